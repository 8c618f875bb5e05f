package input_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/rv-hype/fpgaemu/virtio/input"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

var le = binary.LittleEndian

type memDMA struct {
	mu  sync.Mutex
	mem []byte
}

func (m *memDMA) DMARead(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(buf, m.mem[addr:])
	return nil
}

func (m *memDMA) DMAWrite(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.mem[addr:], buf)
	return nil
}

const (
	descTableAddr = 0x1000
	availAddr     = 0x2000
	usedAddr      = 0x3000
	dataAddr      = 0x5000
)

func putDesc(dma *memDMA, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := descTableAddr + uint32(idx)*16
	le.PutUint64(dma.mem[off:], addr)
	le.PutUint32(dma.mem[off+8:], length)
	le.PutUint16(dma.mem[off+12:], flags)
	le.PutUint16(dma.mem[off+14:], next)
}

func setAvail(dma *memDMA, idx uint16) {
	le.PutUint16(dma.mem[availAddr+2:], 1)
	le.PutUint16(dma.mem[availAddr+4:], idx)
}

func newTestDevice(t *testing.T, profile input.Profile) (*input.Device, *virtq.Queue, *memDMA) {
	t.Helper()

	dma := &memDMA{mem: make([]byte, 0x10000)}
	dev := input.NewDevice(profile)

	var evQ, stQ *virtq.Queue
	evQ = virtq.New(dma, func(descIdx uint16, readSize, writeSize uint32) error {
		return dev.Recv(evQ, 0, descIdx, readSize, writeSize)
	})
	stQ = virtq.New(dma, func(descIdx uint16, readSize, writeSize uint32) error {
		return dev.Recv(stQ, 1, descIdx, readSize, writeSize)
	})

	for _, q := range []*virtq.Queue{evQ, stQ} {
		q.Num = 32
		q.DescAddr = descTableAddr
		q.AvailAddr = availAddr
		q.UsedAddr = usedAddr
		q.Ready = true
	}

	dev.Bind([]*virtq.Queue{evQ, stQ}, func() error { return nil }, func(int) {})

	return dev, evQ, dma
}

// postEventBuffer posts a fresh descriptor+avail entry for one 8-byte event
// slot at descIdx, so the test can post several before exercising the device.
func postEventBuffer(dma *memDMA, descIdx uint16, availSlot uint16) {
	putDesc(dma, descIdx, dataAddr+uint64(descIdx)*8, 8, virtq.DescFWrite, 0)
	le.PutUint16(dma.mem[availAddr+2:], availSlot+1)
	le.PutUint16(dma.mem[availAddr+4+uint64(availSlot)*2:], descIdx)
}

func TestKeyEventQueuesKeyAndSyn(t *testing.T) {
	dev, _, dma := newTestDevice(t, input.ProfileKeyboard)

	postEventBuffer(dma, 0, 0)
	postEventBuffer(dma, 1, 1)

	dev.SendKeyEvent(30, true) // KEY_A down

	typ := le.Uint16(dma.mem[dataAddr:])
	code := le.Uint16(dma.mem[dataAddr+2:])
	value := le.Uint32(dma.mem[dataAddr+4:])

	if typ != 0x01 || code != 30 || value != 1 {
		t.Fatalf("first event = {%d %d %d}, want {1 30 1}", typ, code, value)
	}

	synTyp := le.Uint16(dma.mem[dataAddr+8:])
	if synTyp != 0x00 {
		t.Fatalf("second event type = %d, want EV_SYN (0)", synTyp)
	}
}

func TestMouseEventEmitsButtonTransitionsOnce(t *testing.T) {
	dev, _, dma := newTestDevice(t, input.ProfileMouse)

	for i := uint16(0); i < 8; i++ {
		postEventBuffer(dma, i, i)
	}

	dev.SendMouseEvent(5, -3, 0, 1) // left button down, no wheel
	dev.SendMouseEvent(0, 0, 0, 1)  // no button change

	// first call: REL_X, REL_Y, BTN_LEFT down, SYN = 4 events
	// second call: REL_X, REL_Y, SYN = 3 events (no button re-send)
	evTyp := func(i uint16) uint16 { return le.Uint16(dma.mem[dataAddr+uint64(i)*8:]) }
	evCode := func(i uint16) uint16 { return le.Uint16(dma.mem[dataAddr+uint64(i)*8+2:]) }

	if evTyp(2) != 0x01 || evCode(2) != 0x110 {
		t.Fatalf("event 2 = {type %d code %#x}, want BTN_LEFT key event", evTyp(2), evCode(2))
	}

	if evTyp(3) != 0x00 {
		t.Fatalf("event 3 type = %d, want EV_SYN", evTyp(3))
	}

	// second SendMouseEvent starts at slot 4: REL_X, REL_Y, SYN (no BTN_LEFT repeat)
	if evTyp(6) != 0x00 {
		t.Fatalf("event 6 type = %d, want EV_SYN (button state unchanged)", evTyp(6))
	}
}

func TestConfigProbeIDName(t *testing.T) {
	dev, _, _ := newTestDevice(t, input.ProfileTablet)

	if err := dev.WriteConfig([]byte{0x01}, 0); err != nil { // select = ID_NAME
		t.Fatalf("WriteConfig select: %v", err)
	}

	buf := make([]byte, 8+128)
	if err := dev.ReadConfig(buf, 0); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	size := int(buf[2])
	name := string(buf[8 : 8+size])
	if name != "virtio_tablet" {
		t.Fatalf("name = %q, want virtio_tablet", name)
	}
}

func TestConfigProbeABSInfoOnlyForTablet(t *testing.T) {
	dev, _, _ := newTestDevice(t, input.ProfileMouse)

	if err := dev.WriteConfig([]byte{0x12}, 0); err != nil { // select = ABS_INFO
		t.Fatalf("WriteConfig select: %v", err)
	}

	if err := dev.WriteConfig([]byte{0x00}, 1); err != nil { // subsel = ABS_X
		t.Fatalf("WriteConfig subsel: %v", err)
	}

	buf := make([]byte, 8+128)
	if err := dev.ReadConfig(buf, 0); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	if buf[2] != 0 {
		t.Fatalf("ABS_INFO size for mouse = %d, want 0 (mouse has no absolute axes)", buf[2])
	}
}
