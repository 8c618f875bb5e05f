// Package virtio defines the device-facing contract shared by the six
// backends (block, net, console, entropy, input, 9P) and the mmio transport
// that drives them.
package virtio

import (
	"fmt"

	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

// DeviceHandler is implemented by each virtio device backend.
type DeviceHandler interface {
	// DeviceID identifies the type of the device for the DeviceID register.
	DeviceID() DeviceID

	// Features returns the device-specific feature bits offered in addition
	// to VERSION_1, which every device advertises unconditionally.
	Features() uint64

	// Bind is called once at bus construction with the device's fixed array
	// of MaxQueue queues (some may go unused), a callback that fires the
	// device's config-change interrupt, and a callback that re-schedules a
	// drain of one of the device's own queues. Backends that inject data
	// outside of Recv (net/console/input rx, 9p's async open completion)
	// keep these queue pointers to pull descriptors and raise interrupts on
	// their own; backends whose Recv can return virtq.ErrBusy (block, 9p) use
	// resumeQueue to resume draining once they stop being busy, since
	// nothing else will re-notify a queue the guest has no new work for.
	Bind(queues []*virtq.Queue, raiseConfigChange func() error, resumeQueue func(queueIdx int))

	// Recv handles one available descriptor chain on the given queue. A
	// chain is identified by its head descriptor index; readSize/writeSize
	// are the chain's readable/writable byte totals as computed by
	// virtq.Queue.GetDescRWSize. Returning virtq.ErrBusy halts the drain
	// for that queue until the device resumes it.
	Recv(q *virtq.Queue, queueIdx int, descIdx uint16, readSize, writeSize uint32) error

	// ReadConfig reads len(p) bytes of device config space at offset off.
	ReadConfig(p []byte, off int) error

	// WriteConfig is called after a successful write into device config
	// space. Devices that don't react to config writes (most of them) can
	// no-op.
	WriteConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device, per the VirtIO MMIO
// transport DeviceID register.
type DeviceID uint32

const (
	InvalidDeviceID DeviceID = 0
	NetDeviceID     DeviceID = 1
	BlockDeviceID   DeviceID = 2
	ConsoleDeviceID DeviceID = 3
	EntropyDeviceID DeviceID = 4
	NinepDeviceID   DeviceID = 9
	InputDeviceID   DeviceID = 18
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case NetDeviceID:
		return "net"
	case BlockDeviceID:
		return "block"
	case ConsoleDeviceID:
		return "console"
	case EntropyDeviceID:
		return "entropy"
	case NinepDeviceID:
		return "9p"
	case InputDeviceID:
		return "input"
	default:
		return fmt.Sprintf("DeviceID(%d)", uint32(id))
	}
}

// transport constants

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 2

	VendorID = 0xffff

	MaxQueue    = 8
	MaxQueueNum = virtq.MaxQueueNum
)

// feature bits

const (
	// FVersion1 (VIRTIO_F_VERSION_1) is required of every device and
	// driver; legacy (pre-1.0) drivers are out of scope.
	FVersion1 = uint64(1) << 32

	// device-specific feature bits used by the backends in this module.
	BlockFSegMax = uint64(1) << 2 // VIRTIO_BLK_F_SEG_MAX: seg_max is valid in config
	NetFMac      = uint64(1) << 5 // VIRTIO_NET_F_MAC: device has a given MAC address
	ConsoleFSize = uint64(1) << 0 // VIRTIO_CONSOLE_F_SIZE: console has width/height config
)

// status register bits

const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)
