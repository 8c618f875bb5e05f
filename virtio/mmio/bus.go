package mmio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/rv-hype/fpgaemu/membus"
	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

var le = binary.LittleEndian

// IRQRaiser is the interrupt mailbox each device's queue/config-change
// interrupt goes through. It is satisfied by *hostchannel.HostChannel.
type IRQRaiser interface {
	SetIRQLevels(mask uint32) error
	ClearIRQLevels(mask uint32) error
}

// NotifyScheduler decouples a guest's QueueNotify write from draining the
// corresponding queue; see package virtio/notify.
type NotifyScheduler interface {
	Register(queues []*virtq.Queue) int
	Kick(deviceIdx, queueIdx int)
}

// Bus places a virtio-mmio register file for each handler into guest
// physical address space and wires its queues to a shared DMA window, IRQ
// mailbox, and notify scheduler.
type Bus struct {
	dma   virtq.DMA
	irq   IRQRaiser
	sched NotifyScheduler

	devices []*device
}

// placement convention: this core's device addresses and IRQ numbers are an
// internal convention (the spec treats MMIO placement as one-shot and
// otherwise unspecified, except for HTIF and the SiFive test finisher, which
// live outside this bus entirely).
const (
	firstDeviceAddr = 0x40000000
	deviceSize      = 0x1000
	firstDeviceIRQ  = 1
)

type device struct {
	bus     *Bus
	idx     int
	info    DeviceInfo
	handler virtio.DeviceHandler

	mu sync.Mutex

	deviceFeaturesSel  uint32
	driverFeaturesSel  uint32
	driverFeatures     uint64
	negotiatedFeatures uint64
	status             uint32
	intStatus          uint32
	queueSel           uint32
	version            uint32

	queues [virtio.MaxQueue]*virtq.Queue
}

// NewBus constructs a bus and a register file + queue set for each handler,
// in the order given.
func NewBus(handlers []virtio.DeviceHandler, dma virtq.DMA, irq IRQRaiser, sched NotifyScheduler) *Bus {
	b := &Bus{dma: dma, irq: irq, sched: sched}

	addr := uint64(firstDeviceAddr)
	irqNum := firstDeviceIRQ

	for _, h := range handlers {
		d := &device{
			bus: b,
			info: DeviceInfo{
				Type: h.DeviceID(),
				IRQ:  irqNum,
				Addr: addr,
				Size: deviceSize,
			},
			handler: h,
		}

		for qi := range d.queues {
			qi := qi
			d.queues[qi] = virtq.New(dma, func(descIdx uint16, readSize, writeSize uint32) error {
				return h.Recv(d.queues[qi], qi, descIdx, readSize, writeSize)
			})

			d.queues[qi].RaiseUsedBuffer = func() error {
				return d.raiseUsedBuffer()
			}
		}

		h.Bind(d.queues[:], d.configChangeNotify, func(qi int) {
			d.bus.sched.Kick(d.idx, qi)
		})
		d.idx = sched.Register(d.queues[:])

		b.devices = append(b.devices, d)

		addr += deviceSize
		irqNum++
	}

	return b
}

// Devices returns the placement of each installed device, for boot-info
// reporting (e.g. device tree generation) by the caller.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Install registers each device's MMIO window on the guest address bus.
func (b *Bus) Install(gb *membus.Bus) error {
	for _, d := range b.devices {
		d := d
		if _, err := gb.Register(d.info.Addr, d.info.Addr+d.info.Size, d,
			func(opaque any, offset uint64, sizeLog2 uint8) uint64 {
				return opaque.(*device).readReg(int(offset), sizeLog2)
			},
			func(opaque any, offset uint64, val uint64, sizeLog2 uint8) {
				opaque.(*device).writeReg(int(offset), val, sizeLog2)
			},
		); err != nil {
			return err
		}
	}

	return nil
}

// Queues returns a device's queue array by index, for the notify scheduler
// to drain.
func (b *Bus) Queues(deviceIdx int) [virtio.MaxQueue]*virtq.Queue {
	return b.devices[deviceIdx].queues
}

func (d *device) raiseUsedBuffer() error {
	d.mu.Lock()
	d.intStatus |= intStatusUsedBuffer
	d.mu.Unlock()

	return d.irqChannel().SetIRQLevels(d.irqMask())
}

// configChangeNotify sets the config-change interrupt status bit and raises
// the device's IRQ line. Backends call this directly (net carrier change,
// console resize) outside of any MMIO register write.
func (d *device) configChangeNotify() error {
	d.mu.Lock()
	d.intStatus |= intStatusConfigChange
	d.mu.Unlock()

	return d.irqChannel().SetIRQLevels(d.irqMask())
}

func (d *device) irqMask() uint32 { return 1 << uint(d.info.IRQ) }

// irqChannel returns the owning bus's IRQRaiser through the device's bus
// pointer.
func (d *device) irqChannel() IRQRaiser { return d.bus.irq }

func (d *device) readReg(off int, sizeLog2 uint8) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch off {
	case regMagicValue:
		return virtio.MagicValue

	case regVersion:
		return virtio.Version

	case regDeviceID:
		return uint64(d.handler.DeviceID())

	case regVendorID:
		return virtio.VendorID

	case regDeviceFeatures:
		switch d.deviceFeaturesSel {
		case 0:
			return d.features() & 0xffffffff
		case 1:
			return d.features() >> 32
		default:
			return 0
		}

	case regQueueNumMax:
		return virtio.MaxQueueNum

	case regQueueNum:
		return uint64(d.selectedQueue().Num)

	case regQueueReady:
		if d.selectedQueue().Ready {
			return 1
		}
		return 0

	case regInterruptStatus:
		return uint64(d.intStatus)

	case regStatus:
		return uint64(d.status)

	case regConfigGeneration:
		return 0

	default:
		if off >= regConfigStart {
			return d.readConfig(off-regConfigStart, sizeLog2)
		}

		slog.Warn("virtio mmio: stray register read", "device", d.info.Type, "off", off)
		return 0
	}
}

func (d *device) writeReg(off int, val uint64, sizeLog2 uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := uint32(val)

	switch off {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = v

	case regDriverFeaturesSel:
		d.driverFeaturesSel = v

	case regDriverFeatures:
		if d.driverFeaturesSel <= 1 {
			d.driverFeatures |= uint64(v) << (32 * d.driverFeaturesSel)
		}

	case regQueueSel:
		if v < virtio.MaxQueue {
			d.queueSel = v
		}

	case regQueueNum:
		if v > 0 && v&(v-1) == 0 {
			d.selectedQueue().Num = v
		}

	case regQueueReady:
		d.selectedQueue().Ready = v&1 != 0

	case regQueueNotify:
		if v < virtio.MaxQueue {
			d.bus.sched.Kick(d.idx, int(v))
		}

	case regInterruptAck:
		d.intStatus &^= v
		if d.intStatus == 0 {
			if err := d.irqChannel().ClearIRQLevels(d.irqMask()); err != nil {
				slog.Error("virtio mmio: lower irq failed", "device", d.info.Type, "err", err)
			}
		}

	case regStatus:
		d.writeStatus(v)

	case regQueueDescLow:
		setLow32(&d.selectedQueue().DescAddr, v)
	case regQueueDescHigh:
		setHigh32(&d.selectedQueue().DescAddr, v)
	case regQueueAvailLow:
		setLow32(&d.selectedQueue().AvailAddr, v)
	case regQueueAvailHigh:
		setHigh32(&d.selectedQueue().AvailAddr, v)
	case regQueueUsedLow:
		setLow32(&d.selectedQueue().UsedAddr, v)
	case regQueueUsedHigh:
		setHigh32(&d.selectedQueue().UsedAddr, v)

	default:
		if off >= regConfigStart {
			d.writeConfig(off-regConfigStart, val, sizeLog2)
			return
		}

		slog.Warn("virtio mmio: stray register write", "device", d.info.Type, "off", off, "val", val)
	}
}

// writeStatus implements the feature-negotiation gate and full reset, per
// the VirtIO 1.0 device status state machine.
func (d *device) writeStatus(v uint32) {
	if d.status&virtio.StatusFeaturesOK == 0 && v&virtio.StatusFeaturesOK != 0 {
		neg := d.driverFeatures & d.features()
		if neg == d.driverFeatures && neg&virtio.FVersion1 != 0 {
			d.negotiatedFeatures = neg
		} else {
			slog.Warn("virtio mmio: feature negotiation rejected",
				"device", d.info.Type, "driver_features", d.driverFeatures, "device_features", d.features())
			v &^= virtio.StatusFeaturesOK
		}
	}

	d.status = v
	d.version++

	if v == 0 {
		d.reset()
	}
}

func (d *device) reset() {
	if err := d.irqChannel().ClearIRQLevels(d.irqMask()); err != nil {
		slog.Error("virtio mmio: lower irq on reset failed", "device", d.info.Type, "err", err)
	}

	for _, q := range d.queues {
		q.Reset()
	}

	d.intStatus = 0
	d.driverFeatures = 0
	d.negotiatedFeatures = 0
	d.deviceFeaturesSel = 0
	d.driverFeaturesSel = 0
	d.queueSel = 0
}

func (d *device) readConfig(off int, sizeLog2 uint8) uint64 {
	n := 1 << sizeLog2
	buf := make([]byte, n)

	if err := d.handler.ReadConfig(buf, off); err != nil {
		slog.Error("virtio mmio: config read failed", "device", d.info.Type, "off", off, "err", err)
		return 0
	}

	switch sizeLog2 {
	case 0:
		return uint64(buf[0])
	case 1:
		return uint64(le.Uint16(buf))
	default:
		return uint64(le.Uint32(buf))
	}
}

func (d *device) writeConfig(off int, val uint64, sizeLog2 uint8) {
	n := 1 << sizeLog2
	buf := make([]byte, n)

	switch sizeLog2 {
	case 0:
		buf[0] = byte(val)
	case 1:
		le.PutUint16(buf, uint16(val))
	default:
		le.PutUint32(buf, uint32(val))
	}

	if err := d.handler.WriteConfig(buf, off); err != nil {
		slog.Error("virtio mmio: config write failed", "device", d.info.Type, "off", off, "err", err)
	}
}

func (d *device) features() uint64 {
	return virtio.FVersion1 | d.handler.Features()
}

func (d *device) selectedQueue() *virtq.Queue {
	return d.queues[d.queueSel]
}

func setLow32(addr *uint64, v uint32) {
	*addr = (*addr &^ 0xffffffff) | uint64(v)
}

func setHigh32(addr *uint64, v uint32) {
	*addr = (*addr & 0xffffffff) | uint64(v)<<32
}
