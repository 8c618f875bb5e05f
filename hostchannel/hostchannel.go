// Package hostchannel wraps the three side-band file descriptors that connect
// the emulator to the FPGA-hosted core: a virtual-device MMIO capture/respond
// unit, a byte-granular DMA window onto guest physical memory, and a level
// interrupt mailbox. The register layout behind these descriptors is a
// hardware implementation detail; HostChannel exposes it as a small set of
// typed operations instead.
package hostchannel

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Environment variables selecting the side-band device files, and their
// defaults when unset.
const (
	EnvVirtualDevice = "RISCV_VIRTUAL_DEVICE_FMEM_DEV"
	EnvDMA           = "RISCV_DMA_FMEM_DEV"
	EnvInterrupt     = "RISCV_INTERRUPT_FMEM_DEV"

	DefaultVirtualDevice = "/dev/fmem_sys0_virtual_device"
	DefaultDMA           = "/dev/fmem_sys0_dma"
	DefaultInterrupt     = "/dev/fmem_sys0_interrupts"
)

// register offsets within the virtual-device capture unit. The bit-exact
// layout is an internal convention of this package; nothing outside
// HostChannel depends on these values.
const (
	regEnable    = 0x00 // u32, write 1 to start capture
	regReqLevel  = 0x04 // u8, nonzero while a request is pending
	regIsWrite   = 0x08 // u8, nonzero if the pending request is a write
	regWriteAddr = 0x0c // u32
	regWriteData = 0x10 // u64
	regWriteByen = 0x18 // u8
	regReadAddr  = 0x1c // u32
	regReqID     = 0x20 // u32
	regFlitSize  = 0x24 // u8
	regReadData  = 0x28 // u64
	regSendResp  = 0x30 // u32, write 1 to release the captured transaction
)

// irq register offsets: offset 0 is write-1-to-set, offset 4 is write-1-to-clear.
const (
	irqSet   = 0
	irqClear = 4
)

// ErrSideBandUnusable is returned when the DMA or interrupt descriptor cannot
// be opened. Per the emulator's error taxonomy this condition is fatal at
// startup; callers are expected to log and exit rather than retry.
var ErrSideBandUnusable = fmt.Errorf("hostchannel: side-band device unusable")

// Request is a single captured guest MMIO transaction.
type Request struct {
	IsWrite    bool
	Addr       uint32
	Data       uint64 // valid when IsWrite
	ByteEnable uint8  // valid when IsWrite
	ID         uint32 // valid when !IsWrite
}

// HostChannel is the opaque three-FD handle described in the core's data
// model. It is safe for concurrent use by the dispatcher and by backend
// completion goroutines raising interrupts, but not for concurrent calls to
// GetRequest/RespondRead/RespondAck from more than one goroutine: only the
// dispatcher thread is expected to drive the capture/respond protocol.
type HostChannel struct {
	mmioFD int
	dmaFD  int
	irqFD  int

	irqMu    sync.Mutex
	irqLevel uint32
}

// Open resolves the three side-band device paths from the environment
// (falling back to the documented defaults) and opens them. Opening the DMA
// or interrupt descriptor is fatal: a RISC-V core with no coherent memory or
// interrupt path cannot be emulated. The MMIO capture descriptor is opened
// the same way but its failure is reported like any other error, since the
// dispatcher simply has nothing to poll.
func Open() (*HostChannel, error) {
	return OpenPaths(
		envOr(EnvVirtualDevice, DefaultVirtualDevice),
		envOr(EnvDMA, DefaultDMA),
		envOr(EnvInterrupt, DefaultInterrupt),
	)
}

// OpenPaths is like Open but takes explicit device paths, for tests and for
// callers that resolve configuration themselves.
func OpenPaths(mmioPath, dmaPath, irqPath string) (hc *HostChannel, err error) {
	mmioFD, err := unix.Open(mmioPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hostchannel: open mmio device %s: %w", mmioPath, err)
	}

	dmaFD, err := unix.Open(dmaPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(mmioFD)
		return nil, fmt.Errorf("%w: open dma device %s: %v", ErrSideBandUnusable, dmaPath, err)
	}

	irqFD, err := unix.Open(irqPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(mmioFD)
		unix.Close(dmaFD)
		return nil, fmt.Errorf("%w: open interrupt device %s: %v", ErrSideBandUnusable, irqPath, err)
	}

	hc = &HostChannel{mmioFD: mmioFD, dmaFD: dmaFD, irqFD: irqFD}

	if err := hc.writeU32(regEnable, 1); err != nil {
		hc.Close()
		return nil, fmt.Errorf("hostchannel: enable capture unit: %w", err)
	}

	return hc, nil
}

// Close releases the three descriptors.
func (hc *HostChannel) Close() error {
	var errs []error
	for _, fd := range []int{hc.mmioFD, hc.dmaFD, hc.irqFD} {
		if fd >= 0 {
			if err := unix.Close(fd); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("hostchannel: close: %v", errs)
	}

	return nil
}

// HasPendingRequest reports whether the capture unit is holding a request.
func (hc *HostChannel) HasPendingRequest() (bool, error) {
	v, err := hc.readU8(regReqLevel)
	if err != nil {
		return false, fmt.Errorf("hostchannel: read request level: %w", err)
	}

	return v != 0, nil
}

// GetRequest reads the currently captured request. Callers must check
// HasPendingRequest first; the result is undefined if nothing is pending.
func (hc *HostChannel) GetRequest() (Request, error) {
	isWrite, err := hc.readU8(regIsWrite)
	if err != nil {
		return Request{}, fmt.Errorf("hostchannel: read is-write: %w", err)
	}

	if isWrite != 0 {
		addr, err := hc.readU32(regWriteAddr)
		if err != nil {
			return Request{}, fmt.Errorf("hostchannel: read write addr: %w", err)
		}

		data, err := hc.readU64(regWriteData)
		if err != nil {
			return Request{}, fmt.Errorf("hostchannel: read write data: %w", err)
		}

		byen, err := hc.readU8(regWriteByen)
		if err != nil {
			return Request{}, fmt.Errorf("hostchannel: read write byte-enable: %w", err)
		}

		return Request{IsWrite: true, Addr: addr, Data: data, ByteEnable: byen}, nil
	}

	addr, err := hc.readU32(regReadAddr)
	if err != nil {
		return Request{}, fmt.Errorf("hostchannel: read read addr: %w", err)
	}

	id, err := hc.readU32(regReqID)
	if err != nil {
		return Request{}, fmt.Errorf("hostchannel: read req id: %w", err)
	}

	return Request{IsWrite: false, Addr: addr, ID: id}, nil
}

// RespondRead writes the response data register for a captured read and
// releases the transaction.
func (hc *HostChannel) RespondRead(data uint64) error {
	if err := hc.writeU64(regReadData, data); err != nil {
		return fmt.Errorf("hostchannel: write read data: %w", err)
	}

	return hc.sendResponse()
}

// RespondAck releases a captured write transaction without any response
// payload.
func (hc *HostChannel) RespondAck() error {
	return hc.sendResponse()
}

func (hc *HostChannel) sendResponse() error {
	if err := hc.writeU32(regSendResp, 1); err != nil {
		return fmt.Errorf("hostchannel: send response: %w", err)
	}

	return nil
}

// DMARead copies len(buf) bytes from guest physical address addr into buf.
// Accesses are byte-granular, matching the underlying capture hardware's
// per-transaction word semantics.
func (hc *HostChannel) DMARead(addr uint32, buf []byte) error {
	for i := range buf {
		n, err := unix.Pread(hc.dmaFD, buf[i:i+1], int64(addr)+int64(i))
		if err != nil || n != 1 {
			return fmt.Errorf("hostchannel: dma read at %#x: %w", addr+uint32(i), err)
		}
	}

	return nil
}

// DMAWrite copies buf into guest physical memory starting at addr.
func (hc *HostChannel) DMAWrite(addr uint32, buf []byte) error {
	for i, b := range buf {
		n, err := unix.Pwrite(hc.dmaFD, []byte{b}, int64(addr)+int64(i))
		if err != nil || n != 1 {
			return fmt.Errorf("hostchannel: dma write at %#x: %w", addr+uint32(i), err)
		}
	}

	return nil
}

// SetIRQLevels raises the interrupt lines in mask.
func (hc *HostChannel) SetIRQLevels(mask uint32) error {
	hc.irqMu.Lock()
	defer hc.irqMu.Unlock()

	if _, err := unix.Pwrite(hc.irqFD, le32(mask), irqSet); err != nil {
		return fmt.Errorf("hostchannel: set irq levels %#x: %w", mask, err)
	}

	hc.irqLevel |= mask
	return nil
}

// ClearIRQLevels lowers the interrupt lines in mask.
func (hc *HostChannel) ClearIRQLevels(mask uint32) error {
	hc.irqMu.Lock()
	defer hc.irqMu.Unlock()

	if _, err := unix.Pwrite(hc.irqFD, le32(mask), irqClear); err != nil {
		return fmt.Errorf("hostchannel: clear irq levels %#x: %w", mask, err)
	}

	hc.irqLevel &^= mask
	return nil
}

// ReadIRQLevels returns the host-side mirror of the current interrupt line
// levels.
func (hc *HostChannel) ReadIRQLevels() uint32 {
	hc.irqMu.Lock()
	defer hc.irqMu.Unlock()

	return hc.irqLevel
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}

	return def
}
