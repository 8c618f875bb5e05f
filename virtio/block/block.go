// Package block implements the virtio block device: a single request queue
// carrying IN/OUT/FLUSH/GET_ID requests against a pluggable byte-addressable
// backing store.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

var le = binary.LittleEndian

// Storage is the backing store for a block device. It is read-only by
// default; a Storage that also implements io.WriterAt enables OUT requests
// unless Device.ReadOnly forces read-only mode anyway.
type Storage interface {
	io.ReaderAt

	// Size returns the storage size in bytes. Must be a multiple of 512.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

func (ms *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, ms.Bytes[off:]), nil
}

func (ms *MemStorage) Size() (int64, error) { return int64(len(ms.Bytes)), nil }

func (ms *MemStorage) WriteAt(p []byte, off int64) (int, error) {
	return copy(ms.Bytes[off:], p), nil
}

// FileStorage is read-write block storage backed by an *os.File.
type FileStorage struct {
	File *os.File
}

func (fs *FileStorage) ReadAt(p []byte, off int64) (int, error) { return fs.File.ReadAt(p, off) }

func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (fs *FileStorage) WriteAt(p []byte, off int64) (int, error) { return fs.File.WriteAt(p, off) }

// HTTPStorage is read-only block storage backed by an HTTP URL. The server
// must support HEAD and ranged GET requests.
type HTTPStorage struct {
	URL string
}

func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block: http GET %s: status %d != %d", hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}

	return n, err
}

func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block: http HEAD %s: status %d != %d", hs.URL, res.StatusCode, http.StatusOK)
	}

	return strconv.ParseInt(res.Header.Get("content-length"), 10, 64)
}

const sectorSize = 512

// request types, per the VIRTIO_BLK_T_* constants.
const (
	opIn          = 0
	opOut         = 1
	opFlush       = 4
	opFlushOut    = 5 // legacy alias, treated identically to opFlush
	opGetID       = 8
	opGetLifetime = 10 // named but unsupported: requires VIRTIO_BLK_F_LIFETIME
	opDiscard     = 11 // named but unsupported: requires VIRTIO_BLK_F_DISCARD
	opWriteZeroes = 13 // named but unsupported: requires VIRTIO_BLK_F_WRITE_ZEROES
	opSecureErase = 14 // named but unsupported: requires VIRTIO_BLK_F_SECURE_ERASE
)

const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// device-specific feature bits.
const featureRO = uint64(1) << 5 // VIRTIO_BLK_F_RO

// config is the 16-byte config space this device actually populates: the
// rest of struct virtio_blk_config (geometry, topology, discard limits, ...)
// is never written to, since none of the features that describe it are
// negotiable here.
type config struct {
	Capacity uint64 // 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
}

// Device is a virtio block device backed by a Storage.
type Device struct {
	Storage  Storage
	ReadOnly bool

	writerAt    io.WriterAt
	queue       *virtq.Queue
	resumeQueue func(queueIdx int)

	mu            sync.Mutex
	reqInProgress bool
}

// NewDevice returns a block device backed by storage.
func NewDevice(storage Storage, readOnly bool) *Device {
	return &Device{Storage: storage, ReadOnly: readOnly}
}

func (d *Device) DeviceID() virtio.DeviceID { return virtio.BlockDeviceID }

func (d *Device) Features() uint64 {
	f := virtio.BlockFSegMax

	if _, ok := d.Storage.(io.WriterAt); d.ReadOnly || !ok {
		f |= featureRO
	}

	return f
}

func (d *Device) Bind(queues []*virtq.Queue, _ func() error, resumeQueue func(int)) {
	d.queue = queues[0]
	d.resumeQueue = resumeQueue

	if !d.ReadOnly {
		d.writerAt, _ = d.Storage.(io.WriterAt)
	}
}

func (d *Device) Recv(q *virtq.Queue, queueIdx int, descIdx uint16, readSize, writeSize uint32) error {
	if queueIdx != 0 {
		slog.Warn("virtio block: notify on unused queue", "queue", queueIdx)
		return nil
	}

	d.mu.Lock()
	if d.reqInProgress {
		d.mu.Unlock()
		return virtq.ErrBusy
	}
	d.reqInProgress = true
	d.mu.Unlock()

	var hdr [16]byte
	if err := q.MemcpyToFromQueue(hdr[:], descIdx, 0, false); err != nil {
		d.clearInProgress()
		return err
	}

	optype := le.Uint32(hdr[0:4])
	sector := le.Uint64(hdr[8:16])

	if writeSize == 0 {
		slog.Warn("virtio block: request chain has no status byte", "op", optype)
		d.reject(q, descIdx)
		return nil
	}

	switch optype {
	case opIn:
		go d.handleIn(q, descIdx, sector, writeSize)

	case opOut:
		if d.writerAt == nil {
			d.finish(q, descIdx, writeSize, nil, statusUnsupp)
			return nil
		}

		payload := make([]byte, int(readSize)-len(hdr))
		if err := q.MemcpyToFromQueue(payload, descIdx, uint32(len(hdr)), false); err != nil {
			d.clearInProgress()
			return err
		}

		go d.handleOut(q, descIdx, sector, payload, writeSize)

	case opFlush, opFlushOut:
		// No cache to flush and requests are handled one at a time, so a
		// flush always completes immediately.
		d.finish(q, descIdx, writeSize, nil, statusOK)

	case opGetID:
		id := make([]byte, writeSize-1)
		copy(id, "fpgaemu-virtio-blk")
		d.finish(q, descIdx, writeSize, id, statusOK)

	case opGetLifetime, opDiscard, opWriteZeroes, opSecureErase:
		slog.Debug("virtio block: unsupported op", "op", optype)
		d.reject(q, descIdx)

	default:
		slog.Warn("virtio block: unknown op", "op", optype)
		d.reject(q, descIdx)
	}

	return nil
}

func (d *Device) handleIn(q *virtq.Queue, descIdx uint16, sector uint64, writeSize uint32) {
	buf := make([]byte, writeSize-1)

	_, err := d.Storage.ReadAt(buf, int64(sector)*sectorSize)

	status := byte(statusOK)
	if err != nil {
		status = statusIOErr
		slog.Error("virtio block: read failed", "sector", sector, "err", err)
	}

	d.finish(q, descIdx, writeSize, buf, status)
}

func (d *Device) handleOut(q *virtq.Queue, descIdx uint16, sector uint64, payload []byte, writeSize uint32) {
	_, err := d.writerAt.WriteAt(payload, int64(sector)*sectorSize)

	status := byte(statusOK)
	if err != nil {
		status = statusIOErr
		slog.Error("virtio block: write failed", "sector", sector, "err", err)
	}

	d.finish(q, descIdx, writeSize, nil, status)
}

// finish scatters payload followed by a status byte into the writable half
// of descIdx's chain, consumes it, and resumes the queue's drain.
func (d *Device) finish(q *virtq.Queue, descIdx uint16, writeSize uint32, payload []byte, status byte) {
	buf := make([]byte, writeSize)
	copy(buf, payload)
	buf[writeSize-1] = status

	if err := q.MemcpyToFromQueue(buf, descIdx, 0, true); err != nil {
		slog.Error("virtio block: scatter response failed", "err", err)
	}

	if err := q.ConsumeDesc(descIdx, writeSize); err != nil {
		slog.Error("virtio block: consume desc failed", "err", err)
	}

	d.clearInProgress()
}

// reject answers a request with a single UNSUPP status byte, ignoring
// whatever write space the chain actually offered, matching how the source
// dismisses request types it doesn't implement.
func (d *Device) reject(q *virtq.Queue, descIdx uint16) {
	status := [1]byte{statusUnsupp}

	if err := q.MemcpyToFromQueue(status[:], descIdx, 0, true); err != nil {
		slog.Error("virtio block: scatter unsupp status failed", "err", err)
	}

	if err := q.ConsumeDesc(descIdx, 1); err != nil {
		slog.Error("virtio block: consume desc failed", "err", err)
	}

	d.clearInProgress()
}

func (d *Device) clearInProgress() {
	d.mu.Lock()
	d.reqInProgress = false
	d.mu.Unlock()

	d.resumeQueue(0)
}

func (d *Device) ReadConfig(p []byte, off int) error {
	sz, err := d.Storage.Size()
	if err != nil {
		return err
	}

	if sz%sectorSize != 0 {
		return fmt.Errorf("virtio block: storage size %d is not a multiple of %d", sz, sectorSize)
	}

	cfg := config{
		Capacity: uint64(sz / sectorSize),
		SegMax:   64,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, le, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off >= len(raw) {
		return nil
	}

	copy(p, raw[off:])
	return nil
}

func (d *Device) WriteConfig([]byte, int) error { return nil }
