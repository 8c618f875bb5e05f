// Package net implements the virtio network device: a manual_recv rx queue
// fed by InjectPacket and a tx queue drained through a PacketSink.
package net

import (
	"log/slog"
	"sync"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

// headerSize is sizeof(virtio_net_hdr) including the trailing num_buffers
// field (flags, gso_type, hdr_len, gso_size, csum_start, csum_offset,
// num_buffers: 1+1+2+2+2+2+2).
const headerSize = 12

// PacketSink receives a fully-formed Ethernet frame the guest transmitted.
// The TAP/SLIRP backend that implements this interface is out of scope here;
// Device only knows how to gather a tx descriptor chain and hand it off.
type PacketSink interface {
	WritePacket(frame []byte) error
}

// Device is a virtio network device. MAC and Sink may be set before Bind;
// Sink may also be set afterward under normal operation.
type Device struct {
	MAC  [6]byte
	Sink PacketSink

	rxQueue *virtq.Queue
	txQueue *virtq.Queue

	raiseConfigChange func() error

	mu      sync.Mutex
	carrier bool
}

func NewDevice(mac [6]byte) *Device {
	return &Device{MAC: mac}
}

func (d *Device) DeviceID() virtio.DeviceID { return virtio.NetDeviceID }

func (d *Device) Features() uint64 { return virtio.NetFMac }

func (d *Device) Bind(queues []*virtq.Queue, raiseConfigChange func() error, _ func(int)) {
	d.rxQueue = queues[0]
	d.txQueue = queues[1]
	d.rxQueue.ManualRecv = true
	d.raiseConfigChange = raiseConfigChange
}

func (d *Device) Recv(q *virtq.Queue, queueIdx int, descIdx uint16, readSize, writeSize uint32) error {
	if queueIdx != 1 {
		return nil
	}

	if readSize < headerSize {
		slog.Warn("virtio net: tx chain shorter than header", "read_size", readSize)
		return q.ConsumeDesc(descIdx, 0)
	}

	frame := make([]byte, readSize-headerSize)
	if err := q.MemcpyToFromQueue(frame, descIdx, headerSize, false); err != nil {
		return err
	}

	if d.Sink != nil {
		if err := d.Sink.WritePacket(frame); err != nil {
			slog.Error("virtio net: write packet failed", "err", err)
		}
	}

	return q.ConsumeDesc(descIdx, 0)
}

// InjectPacket delivers frame to the guest's rx queue, prefixed with a
// zeroed virtio-net header. It returns false if the guest has no rx buffer
// available or the buffer is too small; the caller (the packet-read side of
// the host network backend) is expected to drop the frame in that case.
func (d *Device) InjectPacket(frame []byte) bool {
	q := d.rxQueue
	if q == nil || !q.Ready {
		return false
	}

	if err := q.RefreshAvailIdx(); err != nil {
		slog.Error("virtio net: refresh avail idx failed", "err", err)
		return false
	}

	descIdx, _, writeSize, ok := q.PullAvail()
	if !ok {
		return false
	}

	total := headerSize + len(frame)
	if uint32(total) > writeSize {
		slog.Warn("virtio net: rx buffer too small", "need", total, "have", writeSize)
		return false
	}

	buf := make([]byte, total)
	copy(buf[headerSize:], frame)

	if err := q.MemcpyToFromQueue(buf, descIdx, 0, true); err != nil {
		slog.Error("virtio net: scatter rx frame failed", "err", err)
		return false
	}

	if err := q.ConsumeDesc(descIdx, uint32(total)); err != nil {
		slog.Error("virtio net: consume rx desc failed", "err", err)
		return false
	}

	q.AdvanceManual()
	return true
}

// CanInjectPacket reports whether the guest currently has an rx buffer
// posted that's large enough for a header, for a backend that wants to
// avoid buffering frames it can't deliver yet.
func (d *Device) CanInjectPacket() bool {
	q := d.rxQueue
	if q == nil || !q.Ready {
		return false
	}

	if err := q.RefreshAvailIdx(); err != nil {
		return false
	}

	_, _, writeSize, ok := q.PullAvail()
	return ok && writeSize >= headerSize
}

// SetCarrier updates the link-status config byte and, on change, raises the
// device's config-change interrupt.
func (d *Device) SetCarrier(up bool) {
	d.mu.Lock()
	changed := d.carrier != up
	d.carrier = up
	d.mu.Unlock()

	if changed && d.raiseConfigChange != nil {
		if err := d.raiseConfigChange(); err != nil {
			slog.Error("virtio net: raise config change failed", "err", err)
		}
	}
}

// config space: bytes 0-5 MAC, byte 6 status (bit 0 = carrier), byte 7 pad.
func (d *Device) ReadConfig(p []byte, off int) error {
	var cfg [8]byte
	copy(cfg[0:6], d.MAC[:])

	d.mu.Lock()
	if d.carrier {
		cfg[6] = 1
	}
	d.mu.Unlock()

	if off >= len(cfg) {
		return nil
	}

	copy(p, cfg[off:])
	return nil
}

func (d *Device) WriteConfig([]byte, int) error { return nil }
