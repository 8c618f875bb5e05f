// Package console implements the virtio console device: a manual_recv rx
// queue fed by WriteData and an auto-drained tx queue delivered to Out.
package console

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

var le = binary.LittleEndian

// Device is a virtio console device. Out receives everything the guest
// writes to the console; WriteData injects host-typed bytes into the guest.
type Device struct {
	Out io.Writer

	rxQueue *virtq.Queue
	txQueue *virtq.Queue

	raiseConfigChange func() error

	mu            sync.Mutex
	width, height uint16
}

func NewDevice() *Device { return &Device{} }

func (d *Device) DeviceID() virtio.DeviceID { return virtio.ConsoleDeviceID }

func (d *Device) Features() uint64 { return virtio.ConsoleFSize }

func (d *Device) Bind(queues []*virtq.Queue, raiseConfigChange func() error, _ func(int)) {
	d.rxQueue = queues[0]
	d.txQueue = queues[1]
	d.rxQueue.ManualRecv = true
	d.raiseConfigChange = raiseConfigChange
}

func (d *Device) Recv(q *virtq.Queue, queueIdx int, descIdx uint16, readSize, _ uint32) error {
	if queueIdx != 1 {
		return nil
	}

	buf := make([]byte, readSize)
	if err := q.MemcpyToFromQueue(buf, descIdx, 0, false); err != nil {
		return err
	}

	if d.Out != nil {
		if _, err := d.Out.Write(buf); err != nil {
			slog.Error("virtio console: write failed", "err", err)
		}
	}

	return q.ConsumeDesc(descIdx, 0)
}

// CanWriteData reports whether the guest has an rx buffer posted.
func (d *Device) CanWriteData() bool {
	q := d.rxQueue
	if q == nil || !q.Ready {
		return false
	}

	if err := q.RefreshAvailIdx(); err != nil {
		return false
	}

	_, _, writeSize, ok := q.PullAvail()
	return ok && writeSize > 0
}

// GetWriteLen returns the size of the currently-posted rx buffer, or 0 if
// none is available.
func (d *Device) GetWriteLen() uint32 {
	q := d.rxQueue
	if q == nil || !q.Ready {
		return 0
	}

	if err := q.RefreshAvailIdx(); err != nil {
		return 0
	}

	_, _, writeSize, ok := q.PullAvail()
	if !ok {
		return 0
	}

	return writeSize
}

// WriteData injects up to len(data) host-typed bytes into the guest's rx
// queue, truncating to the posted buffer's size. It returns the number of
// bytes actually delivered; 0 means no rx buffer was available.
func (d *Device) WriteData(data []byte) int {
	q := d.rxQueue
	if q == nil || !q.Ready {
		return 0
	}

	if err := q.RefreshAvailIdx(); err != nil {
		slog.Error("virtio console: refresh avail idx failed", "err", err)
		return 0
	}

	descIdx, _, writeSize, ok := q.PullAvail()
	if !ok {
		return 0
	}

	n := len(data)
	if uint32(n) > writeSize {
		n = int(writeSize)
	}

	if err := q.MemcpyToFromQueue(data[:n], descIdx, 0, true); err != nil {
		slog.Error("virtio console: scatter rx data failed", "err", err)
		return 0
	}

	if err := q.ConsumeDesc(descIdx, uint32(n)); err != nil {
		slog.Error("virtio console: consume rx desc failed", "err", err)
		return 0
	}

	q.AdvanceManual()
	return n
}

// ResizeEvent updates the console's reported terminal size and
// unconditionally raises a config-change interrupt, since a resize is only
// ever called when the size has actually changed.
func (d *Device) ResizeEvent(width, height int) {
	d.mu.Lock()
	d.width, d.height = uint16(width), uint16(height)
	d.mu.Unlock()

	if d.raiseConfigChange != nil {
		if err := d.raiseConfigChange(); err != nil {
			slog.Error("virtio console: raise config change failed", "err", err)
		}
	}
}

// config space: bytes 0-1 columns, bytes 2-3 rows (VIRTIO_CONSOLE_F_SIZE).
func (d *Device) ReadConfig(p []byte, off int) error {
	d.mu.Lock()
	var cfg [4]byte
	le.PutUint16(cfg[0:], d.width)
	le.PutUint16(cfg[2:], d.height)
	d.mu.Unlock()

	if off >= len(cfg) {
		return nil
	}

	copy(p, cfg[off:])
	return nil
}

func (d *Device) WriteConfig([]byte, int) error { return nil }
