package net_test

import (
	"encoding/binary"
	"sync"
	"testing"

	net "github.com/rv-hype/fpgaemu/virtio/net"
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

func newTestDevice(t *testing.T) (*net.Device, *virtq.Queue, *virtq.Queue, *memDMA) {
	t.Helper()

	dma := &memDMA{mem: make([]byte, 0x10000)}
	dev := net.NewDevice([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})

	var rxQ, txQ *virtq.Queue
	rxQ = virtq.New(dma, func(descIdx uint16, readSize, writeSize uint32) error {
		return dev.Recv(rxQ, 0, descIdx, readSize, writeSize)
	})
	txQ = virtq.New(dma, func(descIdx uint16, readSize, writeSize uint32) error {
		return dev.Recv(txQ, 1, descIdx, readSize, writeSize)
	})

	for _, q := range []*virtq.Queue{rxQ, txQ} {
		q.Num = 8
		q.DescAddr = descTableAddr
		q.AvailAddr = availAddr
		q.UsedAddr = usedAddr
		q.Ready = true
	}

	dev.Bind([]*virtq.Queue{rxQ, txQ}, func() error { return nil }, func(int) {})

	return dev, rxQ, txQ, dma
}

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *fakeSink) WritePacket(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return s.err
}

func TestNetTxGathersPayloadAndStripsHeader(t *testing.T) {
	dev, _, txQ, dma := newTestDevice(t)

	sink := &fakeSink{}
	dev.Sink = sink

	payload := []byte("hello guest-to-host")
	frame := make([]byte, 12+len(payload))
	copy(frame[12:], payload)
	copy(dma.mem[dataAddr:], frame)

	putDesc(dma, 0, dataAddr, uint32(len(frame)), 0, 0)
	setAvail(dma, 0)

	if err := txQ.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(sink.frames) != 1 {
		t.Fatalf("frames received = %d, want 1", len(sink.frames))
	}

	if string(sink.frames[0]) != string(payload) {
		t.Fatalf("frame = %q, want %q", sink.frames[0], payload)
	}
}

func TestNetRxInjectDeliversHeaderAndPayload(t *testing.T) {
	dev, rxQ, _, dma := newTestDevice(t)

	const bufLen = 128
	putDesc(dma, 0, dataAddr, bufLen, virtq.DescFWrite, 0)
	setAvail(dma, 0)

	if !dev.CanInjectPacket() {
		t.Fatal("CanInjectPacket = false, want true")
	}

	frame := []byte("packet from the host network backend")
	if !dev.InjectPacket(frame) {
		t.Fatal("InjectPacket = false, want true")
	}

	got := dma.mem[dataAddr+12 : dataAddr+12+uint32(len(frame))]
	if string(got) != string(frame) {
		t.Fatalf("rx payload = %q, want %q", got, frame)
	}

	if rxQ.LastAvailIdx() != 1 {
		t.Fatalf("LastAvailIdx = %d, want 1", rxQ.LastAvailIdx())
	}
}

func TestNetRxInjectRejectsUndersizedBuffer(t *testing.T) {
	dev, _, _, dma := newTestDevice(t)

	putDesc(dma, 0, dataAddr, 4, virtq.DescFWrite, 0)
	setAvail(dma, 0)

	if dev.InjectPacket([]byte("too big for a 4-byte buffer")) {
		t.Fatal("InjectPacket = true, want false for undersized buffer")
	}
}

func TestNetSetCarrierFiresConfigChangeOnlyOnTransition(t *testing.T) {
	dev, rxQ, txQ, _ := newTestDevice(t)

	var fires int
	dev.Bind([]*virtq.Queue{rxQ, txQ}, func() error {
		fires++
		return nil
	}, func(int) {})

	dev.SetCarrier(true)
	dev.SetCarrier(true)
	dev.SetCarrier(false)

	if fires != 2 {
		t.Fatalf("config-change fires = %d, want 2 (up then down)", fires)
	}

	buf := make([]byte, 8)
	if err := dev.ReadConfig(buf, 0); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	if buf[6] != 0 {
		t.Fatalf("carrier byte after SetCarrier(false) = %d, want 0", buf[6])
	}
}
