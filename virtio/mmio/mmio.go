// Package mmio implements the VirtIO 1.0 MMIO-transport register file and
// the bus that places each device's registers into a slice of guest
// physical address space.
package mmio

import "github.com/rv-hype/fpgaemu/virtio"

// DeviceInfo describes an installed virtio-mmio device's placement.
type DeviceInfo struct {
	Type virtio.DeviceID
	IRQ  int
	Addr uint64
	Size uint64
}

// interrupt status bits

const (
	intStatusUsedBuffer   = 1 << 0 // the device has used at least one buffer
	intStatusConfigChange = 1 << 1 // the device configuration has changed
)

// mmio register offsets, per the VirtIO 1.0 MMIO transport.

const (
	regMagicValue        = 0x000 // R: always 0x74726976 ("virt")
	regVersion           = 0x004 // R: always 2
	regDeviceID          = 0x008 // R: virtio subsystem device id
	regVendorID          = 0x00c // R: virtio subsystem vendor id
	regDeviceFeatures    = 0x010 // R: feature bits, windowed by regDeviceFeaturesSel
	regDeviceFeaturesSel = 0x014 // W: window selector for regDeviceFeatures
	regDriverFeatures    = 0x020 // W: feature bits activated by the driver
	regDriverFeaturesSel = 0x024 // W: window selector for regDriverFeatures
	regQueueSel          = 0x030 // W: selects the queue addressed by the Queue* registers
	regQueueNumMax       = 0x034 // R: maximum queue size
	regQueueNum          = 0x038 // W: queue size (must be a power of two)
	regQueueReady        = 0x044 // RW: queue ready bit
	regQueueNotify       = 0x050 // W: queue index to notify
	regInterruptStatus   = 0x060 // R: interrupt status bits
	regInterruptAck      = 0x064 // W: clears set interrupt status bits
	regStatus            = 0x070 // RW: device status
	regQueueDescLow      = 0x080 // W: descriptor table address, low word
	regQueueDescHigh     = 0x084 // W: descriptor table address, high word
	regQueueAvailLow     = 0x090 // W: available ring address, low word
	regQueueAvailHigh    = 0x094 // W: available ring address, high word
	regQueueUsedLow      = 0x0a0 // W: used ring address, low word
	regQueueUsedHigh     = 0x0a4 // W: used ring address, high word
	regConfigGeneration  = 0x0fc // R: always 0
	regConfigStart       = 0x100 // RW: device-specific config space
)
