// Package virtq implements the VirtIO 1.0 split-ring virtqueue engine:
// descriptor fetch, chain-size scan, gather/scatter DMA copy, used-ring
// publication, and available-ring draining. Packed virtqueues are not
// implemented; this core is MMIO-transport only.
package virtq

import (
	"encoding/binary"
	"errors"
)

var le = binary.LittleEndian

// MaxQueueNum is the default/maximum queue depth a device advertises via
// QueueNumMax and restores on reset.
const MaxQueueNum = 16

const descSize = 16

// Desc is the little-endian, 16-byte wire format of a single descriptor.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Descriptor flag bits.
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// ErrBusy is returned by a device's RecvFunc to halt the available-ring
// drain for its queue. The device is responsible for calling Notify again
// once it can make progress (typically from an async completion callback).
var ErrBusy = errors.New("virtq: device busy")

var (
	errChainDirection = errors.New("virtq: descriptor chain direction error")
	errChainIndirect  = errors.New("virtq: indirect descriptors are not supported")
)

// DMA is the byte-granular guest memory access the engine needs to fetch
// descriptors and their payload.
type DMA interface {
	DMARead(addr uint32, buf []byte) error
	DMAWrite(addr uint32, buf []byte) error
}

// RecvFunc handles one available descriptor chain, given its head index and
// the chain's readable/writable byte totals as computed by GetDescRWSize.
type RecvFunc func(descIdx uint16, readSize, writeSize uint32) error

// Queue is a single device virtqueue: its configuration registers plus the
// split-ring engine operating over them. The mmio layer owns the register
// fields (Num, DescAddr, AvailAddr, UsedAddr, Ready, ManualRecv) and writes
// them directly in response to guest MMIO writes.
type Queue struct {
	dma  DMA
	recv RecvFunc

	Ready      bool
	Num        uint32
	DescAddr   uint64
	AvailAddr  uint64
	UsedAddr   uint64
	ManualRecv bool

	availIdx     uint16
	lastAvailIdx uint16

	// RaiseUsedBuffer is called after ConsumeDesc publishes to the used
	// ring. It should set the device's InterruptStatus "used buffer" bit and
	// raise its IRQ line.
	RaiseUsedBuffer func() error
}

// New returns a queue in its post-reset state: not ready, depth MaxQueueNum,
// zero addresses.
func New(dma DMA, recv RecvFunc) *Queue {
	q := &Queue{dma: dma, recv: recv}
	q.Reset()
	return q
}

// Reset restores the queue to its post-construction state without
// disturbing its DMA/Recv wiring.
func (q *Queue) Reset() {
	q.Ready = false
	q.Num = MaxQueueNum
	q.DescAddr = 0
	q.AvailAddr = 0
	q.UsedAddr = 0
	q.ManualRecv = false
	q.availIdx = 0
	q.lastAvailIdx = 0
}

// LastAvailIdx returns the ring position the engine has drained up to, for
// tests asserting ring monotonicity.
func (q *Queue) LastAvailIdx() uint16 { return q.lastAvailIdx }

// GetDesc DMA-reads the descriptor at the given index in this queue's
// descriptor table.
func (q *Queue) GetDesc(descIdx uint16) (Desc, error) {
	var buf [descSize]byte
	addr := uint32(q.DescAddr + uint64(descIdx)*descSize)
	if err := q.dma.DMARead(addr, buf[:]); err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  le.Uint64(buf[0:8]),
		Len:   le.Uint32(buf[8:12]),
		Flags: le.Uint16(buf[12:14]),
		Next:  le.Uint16(buf[14:16]),
	}, nil
}

// GetDescRWSize walks the NEXT-linked chain starting at descIdx, accumulating
// readable bytes until the first writable descriptor (if any), then requires
// every remaining descriptor to be writable. A chain may be all-read or
// all-write.
func (q *Queue) GetDescRWSize(descIdx uint16) (readSize, writeSize uint32, err error) {
	idx := descIdx

	for {
		d, err := q.GetDesc(idx)
		if err != nil {
			return 0, 0, err
		}

		if d.Flags&DescFIndirect != 0 {
			return 0, 0, errChainIndirect
		}

		if d.Flags&DescFWrite != 0 {
			writeSize, err := q.accumulateWrite(d, idx)
			if err != nil {
				return 0, 0, err
			}

			return readSize, writeSize, nil
		}

		readSize += d.Len

		if d.Flags&DescFNext == 0 {
			return readSize, 0, nil
		}

		idx = d.Next
	}
}

func (q *Queue) accumulateWrite(first Desc, firstIdx uint16) (writeSize uint32, err error) {
	d, idx := first, firstIdx

	for {
		if d.Flags&DescFWrite == 0 {
			return 0, errChainDirection
		}

		writeSize += d.Len

		if d.Flags&DescFNext == 0 {
			return writeSize, nil
		}

		idx = d.Next

		d, err = q.GetDesc(idx)
		if err != nil {
			return 0, err
		}

		if d.Flags&DescFIndirect != 0 {
			return 0, errChainIndirect
		}
	}
}

// MemcpyToFromQueue gathers (toQueue=false) or scatters (toQueue=true)
// len(buf) bytes at linear offset offset within the descriptor chain headed
// by descIdx. When toQueue is set, the chain is first advanced to its
// writable half.
func (q *Queue) MemcpyToFromQueue(buf []byte, descIdx uint16, offset uint32, toQueue bool) error {
	count := uint32(len(buf))
	if count == 0 {
		return nil
	}

	idx := descIdx
	d, err := q.GetDesc(idx)
	if err != nil {
		return err
	}

	if d.Flags&DescFIndirect != 0 {
		return errChainIndirect
	}

	if toQueue {
		for d.Flags&DescFWrite == 0 {
			if d.Flags&DescFNext == 0 {
				return errChainDirection
			}

			idx = d.Next

			if d, err = q.GetDesc(idx); err != nil {
				return err
			}

			if d.Flags&DescFIndirect != 0 {
				return errChainIndirect
			}
		}
	}

	for offset >= d.Len {
		wantWrite := d.Flags&DescFWrite != 0

		if d.Flags&DescFNext == 0 {
			return errChainDirection
		}

		offset -= d.Len
		idx = d.Next

		if d, err = q.GetDesc(idx); err != nil {
			return err
		}

		if d.Flags&DescFIndirect != 0 {
			return errChainIndirect
		}

		if (d.Flags&DescFWrite != 0) != wantWrite {
			return errChainDirection
		}
	}

	pos := uint32(0)

	for count > 0 {
		n := d.Len - offset
		if n > count {
			n = count
		}

		chunk := buf[pos : pos+n]
		addr := uint32(d.Addr) + offset

		var ioErr error
		if toQueue {
			ioErr = q.dma.DMAWrite(addr, chunk)
		} else {
			ioErr = q.dma.DMARead(addr, chunk)
		}

		if ioErr != nil {
			return ioErr
		}

		count -= n
		pos += n
		offset += n

		if count == 0 {
			break
		}

		wantWrite := d.Flags&DescFWrite != 0

		if d.Flags&DescFNext == 0 {
			return errChainDirection
		}

		idx = d.Next

		if d, err = q.GetDesc(idx); err != nil {
			return err
		}

		if d.Flags&DescFIndirect != 0 {
			return errChainIndirect
		}

		if (d.Flags&DescFWrite != 0) != wantWrite {
			return errChainDirection
		}

		offset = 0
	}

	return nil
}

// ConsumeDesc publishes a completed chain into the used ring, sets the used-
// buffer interrupt status bit, and raises the device's IRQ line.
func (q *Queue) ConsumeDesc(descIdx uint16, descLen uint32) error {
	var idxBuf [2]byte
	if err := q.dma.DMARead(uint32(q.UsedAddr+2), idxBuf[:]); err != nil {
		return err
	}

	usedIdx := le.Uint16(idxBuf[:])

	var entry [8]byte
	le.PutUint32(entry[0:4], uint32(descIdx))
	le.PutUint32(entry[4:8], descLen)

	slot := q.UsedAddr + 4 + uint64(usedIdx&uint16(q.Num-1))*8
	if err := q.dma.DMAWrite(uint32(slot), entry[:]); err != nil {
		return err
	}

	// The descriptor payload writes above and this used-ring entry write are
	// both synchronous DMA pwrite calls completing in program order, so no
	// separate release fence is needed here; the index store below remains
	// the single point the driver's poll loop observes as publish.
	le.PutUint16(idxBuf[:], usedIdx+1)
	if err := q.dma.DMAWrite(uint32(q.UsedAddr+2), idxBuf[:]); err != nil {
		return err
	}

	if q.RaiseUsedBuffer != nil {
		return q.RaiseUsedBuffer()
	}

	return nil
}

// Notify drains the available ring from lastAvailIdx up to the current
// avail.idx, invoking recv for each chain. manual_recv queues return
// immediately: their device pulls descriptors on demand instead.
func (q *Queue) Notify() error {
	if !q.Ready {
		return nil
	}

	var buf [2]byte
	if err := q.dma.DMARead(uint32(q.AvailAddr+2), buf[:]); err != nil {
		return err
	}

	q.availIdx = le.Uint16(buf[:])

	if q.ManualRecv {
		return nil
	}

	for q.lastAvailIdx != q.availIdx {
		var db [2]byte
		off := q.AvailAddr + 4 + uint64(q.lastAvailIdx&uint16(q.Num-1))*2
		if err := q.dma.DMARead(uint32(off), db[:]); err != nil {
			return err
		}

		descIdx := le.Uint16(db[:])

		readSize, writeSize, err := q.GetDescRWSize(descIdx)
		switch {
		case err == nil:
			if rerr := q.recv(descIdx, readSize, writeSize); rerr != nil {
				if errors.Is(rerr, ErrBusy) {
					return nil
				}

				return rerr
			}

		case errors.Is(err, errChainDirection), errors.Is(err, errChainIndirect):
			// malformed chain: drop it and keep draining.

		default:
			return err
		}

		q.lastAvailIdx++
	}

	return nil
}

// PullAvail is used by manual_recv devices (net/console rx, input) to
// pull exactly one descriptor on demand instead of draining via Notify. It
// returns ok=false if nothing is available or the chain is malformed.
func (q *Queue) PullAvail() (descIdx uint16, readSize, writeSize uint32, ok bool) {
	if !q.Ready || q.lastAvailIdx == q.availIdx {
		return 0, 0, 0, false
	}

	var db [2]byte
	off := q.AvailAddr + 4 + uint64(q.lastAvailIdx&uint16(q.Num-1))*2
	if err := q.dma.DMARead(uint32(off), db[:]); err != nil {
		return 0, 0, 0, false
	}

	descIdx = le.Uint16(db[:])

	readSize, writeSize, err := q.GetDescRWSize(descIdx)
	if err != nil {
		return 0, 0, 0, false
	}

	return descIdx, readSize, writeSize, true
}

// AdvanceManual increments lastAvailIdx after a manual_recv device has
// successfully injected data via PullAvail+ConsumeDesc.
func (q *Queue) AdvanceManual() {
	q.lastAvailIdx++
}

// RefreshAvailIdx re-reads avail.idx; manual_recv devices call this before
// PullAvail so buffers posted since the last Notify are seen.
func (q *Queue) RefreshAvailIdx() error {
	var buf [2]byte
	if err := q.dma.DMARead(uint32(q.AvailAddr+2), buf[:]); err != nil {
		return err
	}

	q.availIdx = le.Uint16(buf[:])
	return nil
}
