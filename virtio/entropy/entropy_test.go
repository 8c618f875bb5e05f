package entropy_test

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/rv-hype/fpgaemu/virtio/entropy"
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

// repeatingReader returns an infinite stream of a single repeated byte, so
// the test can assert on exact fill size without needing real randomness.
type repeatingReader struct{ b byte }

func (r repeatingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}
	return len(p), nil
}

func TestEntropyFillsFullWriteSizeInChunks(t *testing.T) {
	dma := &memDMA{mem: make([]byte, 0x10000)}
	dev := &entropy.Device{Source: repeatingReader{b: 0xaa}}

	var q *virtq.Queue
	q = virtq.New(dma, func(descIdx uint16, readSize, writeSize uint32) error {
		return dev.Recv(q, 0, descIdx, readSize, writeSize)
	})
	q.Num, q.DescAddr, q.AvailAddr, q.UsedAddr, q.Ready = 8, descTableAddr, availAddr, usedAddr, true
	dev.Bind([]*virtq.Queue{q}, func() error { return nil }, func(int) {})

	const want = 600 // spans more than two 256-byte chunks
	putDesc(dma, 0, dataAddr, want, virtq.DescFWrite, 0)
	setAvail(dma, 0)

	if err := q.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	got := dma.mem[dataAddr : dataAddr+want]
	if !bytes.Equal(got, bytes.Repeat([]byte{0xaa}, want)) {
		t.Fatalf("rng fill did not cover the full write buffer")
	}

	if q.LastAvailIdx() != 1 {
		t.Fatalf("LastAvailIdx = %d, want 1", q.LastAvailIdx())
	}
}
