// Package entropy implements the virtio entropy (rng) device: a single
// auto-drained queue filled from a Reader, crypto/rand by default.
package entropy

import (
	"crypto/rand"
	"io"
	"log/slog"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

// chunkSize bounds each Reader.Read call, matching the source's habit of
// filling the queue's write buffer in fixed-size pieces rather than in one
// shot.
const chunkSize = 256

// Device is a virtio entropy device. Source is read from in chunkSize
// pieces to answer each request; it defaults to crypto/rand.Reader.
type Device struct {
	Source io.Reader
}

func NewDevice() *Device {
	return &Device{Source: rand.Reader}
}

func (d *Device) DeviceID() virtio.DeviceID { return virtio.EntropyDeviceID }

func (d *Device) Features() uint64 { return 0 }

func (d *Device) Bind([]*virtq.Queue, func() error, func(int)) {}

func (d *Device) Recv(q *virtq.Queue, queueIdx int, descIdx uint16, _, writeSize uint32) error {
	if queueIdx != 0 {
		return nil
	}

	src := d.Source
	if src == nil {
		src = rand.Reader
	}

	var off uint32
	for off < writeSize {
		n := writeSize - off
		if n > chunkSize {
			n = chunkSize
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(src, buf); err != nil {
			slog.Error("virtio entropy: read failed", "err", err)
			return err
		}

		if err := q.MemcpyToFromQueue(buf, descIdx, off, true); err != nil {
			return err
		}

		off += n
	}

	return q.ConsumeDesc(descIdx, writeSize)
}

func (d *Device) ReadConfig([]byte, int) error { return nil }

func (d *Device) WriteConfig([]byte, int) error { return nil }
