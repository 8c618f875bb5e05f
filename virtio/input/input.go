// Package input implements the virtio input device: a manual_recv event
// queue fed by SendKeyEvent/SendMouseEvent, a no-op status feedback queue,
// and the config-space probe protocol a guest driver uses to discover the
// device's capabilities before negotiating it.
package input

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

var le = binary.LittleEndian

// Profile selects which input device this instance presents to the guest.
type Profile int

const (
	ProfileKeyboard Profile = iota
	ProfileMouse
	ProfileTablet
)

func (p Profile) name() string {
	switch p {
	case ProfileKeyboard:
		return "virtio_keyboard"
	case ProfileMouse:
		return "virtio_mouse"
	case ProfileTablet:
		return "virtio_tablet"
	default:
		return "virtio_input"
	}
}

// Linux input-event-codes.h constants this device's config probe and event
// stream need.
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03

	relX     = 0x00
	relY     = 0x01
	relWheel = 0x08

	absX = 0x00
	absY = 0x01

	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112

	// EV_KEY bitmap sizes the config probe reports: 128 bits for the
	// keyboard's key range, 512 bits for the mouse/tablet button range.
	keyboardKeyBitmapBytes = 128 / 8
	pointerKeyBitmapBytes  = 512 / 8
)

// absScale is the coordinate range SendMouseEvent's tablet-mode dx/dy are
// expected to arrive in; ABS_INFO tells the guest the axis spans [0, absScale).
const absScale = 32768

// config-space probe selectors, per the VIRTIO_INPUT_CFG_* enum.
const (
	cfgUnset     = 0x00
	cfgIDName    = 0x01
	cfgIDSerial  = 0x02
	cfgIDDevIDs  = 0x03
	cfgPropBits  = 0x10
	cfgEVBits    = 0x11
	cfgABSInfo   = 0x12
	configPrefix = 8 // select, subsel, size, reserved[5]
)

// buttonBits enumerates, in order, the mouse/tablet buttons this device
// tracks and their EV_KEY code, for diffing against the previous state.
var buttonBits = []struct {
	bit  uint8
	code uint16
}{
	{1 << 0, btnLeft},
	{1 << 1, btnRight},
	{1 << 2, btnMiddle},
}

// Device is a virtio input device presenting the given Profile to the guest.
type Device struct {
	Profile Profile

	eventQueue  *virtq.Queue
	statusQueue *virtq.Queue

	mu      sync.Mutex
	buttons uint8

	cfgMu     sync.Mutex
	cfgSelect byte
	cfgSubsel byte
}

func NewDevice(profile Profile) *Device {
	return &Device{Profile: profile}
}

func (d *Device) DeviceID() virtio.DeviceID { return virtio.InputDeviceID }

func (d *Device) Features() uint64 { return 0 }

func (d *Device) Bind(queues []*virtq.Queue, _ func() error, _ func(int)) {
	d.eventQueue = queues[0]
	d.statusQueue = queues[1]
	d.eventQueue.ManualRecv = true
}

func (d *Device) Recv(q *virtq.Queue, queueIdx int, descIdx uint16, _, _ uint32) error {
	if queueIdx != 1 {
		return nil
	}

	// Keyboard LED / rumble feedback isn't modeled; just acknowledge it.
	return q.ConsumeDesc(descIdx, 0)
}

// queueEvent pulls one descriptor from the event queue and writes a single
// 8-byte {type, code, value} event into it. It returns false if the guest
// has no event buffer posted.
func (d *Device) queueEvent(typ, code uint16, value uint32) bool {
	q := d.eventQueue
	if q == nil || !q.Ready {
		return false
	}

	if err := q.RefreshAvailIdx(); err != nil {
		slog.Error("virtio input: refresh avail idx failed", "err", err)
		return false
	}

	descIdx, _, writeSize, ok := q.PullAvail()
	if !ok || writeSize < 8 {
		return false
	}

	var buf [8]byte
	le.PutUint16(buf[0:], typ)
	le.PutUint16(buf[2:], code)
	le.PutUint32(buf[4:], value)

	if err := q.MemcpyToFromQueue(buf[:], descIdx, 0, true); err != nil {
		slog.Error("virtio input: scatter event failed", "err", err)
		return false
	}

	if err := q.ConsumeDesc(descIdx, 8); err != nil {
		slog.Error("virtio input: consume event desc failed", "err", err)
		return false
	}

	q.AdvanceManual()
	return true
}

// SendKeyEvent queues a key press/release followed by its trailing EV_SYN.
func (d *Device) SendKeyEvent(code uint16, pressed bool) {
	var value uint32
	if pressed {
		value = 1
	}

	d.queueEvent(evKey, code, value)
	d.queueEvent(evSyn, 0, 0)
}

// SendMouseEvent queues relative (mouse profile) or absolute (tablet
// profile) motion, an optional wheel event, any button-state transitions,
// and a trailing EV_SYN. dx/dy are pixel deltas for ProfileMouse and
// absolute [0, absScale) coordinates for ProfileTablet.
func (d *Device) SendMouseEvent(dx, dy, dz int32, buttons uint8) {
	if d.Profile == ProfileTablet {
		d.queueEvent(evAbs, absX, uint32(dx))
		d.queueEvent(evAbs, absY, uint32(dy))
	} else {
		d.queueEvent(evRel, relX, uint32(dx))
		d.queueEvent(evRel, relY, uint32(dy))
	}

	if dz != 0 {
		d.queueEvent(evRel, relWheel, uint32(dz))
	}

	d.mu.Lock()
	prev := d.buttons
	d.buttons = buttons
	d.mu.Unlock()

	for _, b := range buttonBits {
		if prev&b.bit != buttons&b.bit {
			var value uint32
			if buttons&b.bit != 0 {
				value = 1
			}

			d.queueEvent(evKey, b.code, value)
		}
	}

	d.queueEvent(evSyn, 0, 0)
}

// config_write is the probe protocol: the guest writes select/subsel, the
// device computes size+payload and the guest then reads them back out of
// config space.
func (d *Device) WriteConfig(p []byte, off int) error {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	switch off {
	case 0:
		if len(p) > 0 {
			d.cfgSelect = p[0]
		}
	case 1:
		if len(p) > 0 {
			d.cfgSubsel = p[0]
		}
	}

	return nil
}

func (d *Device) ReadConfig(p []byte, off int) error {
	d.cfgMu.Lock()
	sel, subsel := d.cfgSelect, d.cfgSubsel
	d.cfgMu.Unlock()

	var cfg [configPrefix + 128]byte
	cfg[0] = sel
	cfg[1] = subsel

	payload := d.probe(sel, subsel)
	cfg[2] = byte(len(payload))
	copy(cfg[configPrefix:], payload)

	if off >= len(cfg) {
		return nil
	}

	copy(p, cfg[off:])
	return nil
}

func (d *Device) probe(sel, subsel byte) []byte {
	switch sel {
	case cfgIDName:
		return []byte(d.Profile.name())

	case cfgIDSerial:
		return nil

	case cfgIDDevIDs:
		return make([]byte, 8)

	case cfgPropBits:
		return nil

	case cfgEVBits:
		return d.evBits(uint16(subsel))

	case cfgABSInfo:
		if d.Profile != ProfileTablet || subsel > absY {
			return nil
		}

		return absInfo()

	case cfgUnset:
		fallthrough
	default:
		return nil
	}
}

func (d *Device) evBits(typ uint16) []byte {
	switch typ {
	case evKey:
		if d.Profile == ProfileKeyboard {
			bits := make([]byte, keyboardKeyBitmapBytes)
			for i := range bits {
				bits[i] = 0xff
			}
			return bits
		}

		bits := make([]byte, pointerKeyBitmapBytes)
		setBit(bits, btnLeft)
		setBit(bits, btnRight)
		setBit(bits, btnMiddle)
		return bits

	case evRel:
		if d.Profile == ProfileKeyboard {
			return nil
		}

		bits := make([]byte, bitmapBytes(relWheel))
		setBit(bits, relX)
		setBit(bits, relY)

		if d.Profile != ProfileTablet {
			setBit(bits, relWheel)
		}

		return bits

	case evAbs:
		if d.Profile != ProfileTablet {
			return nil
		}

		bits := make([]byte, bitmapBytes(absY))
		setBit(bits, absX)
		setBit(bits, absY)
		return bits

	default:
		return nil
	}
}

func absInfo() []byte {
	var buf [20]byte
	le.PutUint32(buf[0:], 0)             // min
	le.PutUint32(buf[4:], absScale-1)    // max
	le.PutUint32(buf[8:], 0)             // fuzz
	le.PutUint32(buf[12:], 0)            // flat
	le.PutUint32(buf[16:], 0)            // res
	return buf[:]
}

func bitmapBytes(maxBit int) int { return maxBit/8 + 1 }

func setBit(bits []byte, bit int) { bits[bit/8] |= 1 << uint(bit%8) }
