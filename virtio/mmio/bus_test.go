package mmio_test

import (
	"testing"

	"github.com/rv-hype/fpgaemu/membus"
	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/mmio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

type fakeDMA struct{ mem []byte }

func (f *fakeDMA) DMARead(addr uint32, buf []byte) error  { copy(buf, f.mem[addr:]); return nil }
func (f *fakeDMA) DMAWrite(addr uint32, buf []byte) error { copy(f.mem[addr:], buf); return nil }

type fakeIRQ struct{ level uint32 }

func (f *fakeIRQ) SetIRQLevels(mask uint32) error   { f.level |= mask; return nil }
func (f *fakeIRQ) ClearIRQLevels(mask uint32) error { f.level &^= mask; return nil }

type fakeSched struct{ kicks [][2]int }

func (f *fakeSched) Register(queues []*virtq.Queue) int { return len(f.kicks) }
func (f *fakeSched) Kick(deviceIdx, queueIdx int)       { f.kicks = append(f.kicks, [2]int{deviceIdx, queueIdx}) }

type fakeHandler struct {
	features uint64
	config   []byte
}

func (h *fakeHandler) DeviceID() virtio.DeviceID { return virtio.EntropyDeviceID }
func (h *fakeHandler) Features() uint64          { return h.features }
func (h *fakeHandler) Bind([]*virtq.Queue, func() error, func(int)) {}
func (h *fakeHandler) Recv(*virtq.Queue, int, uint16, uint32, uint32) error { return nil }

func (h *fakeHandler) ReadConfig(p []byte, off int) error {
	copy(p, h.config[off:])
	return nil
}

func (h *fakeHandler) WriteConfig(p []byte, off int) error {
	copy(h.config[off:], p)
	return nil
}

func newTestBus(t *testing.T, h virtio.DeviceHandler) (*mmio.Bus, *fakeIRQ, *fakeSched) {
	t.Helper()

	dma := &fakeDMA{mem: make([]byte, 0x10000)}
	irq := &fakeIRQ{}
	sched := &fakeSched{}

	b := mmio.NewBus([]virtio.DeviceHandler{h}, dma, irq, sched)
	return b, irq, sched
}

func devAddr(b *mmio.Bus) uint64 { return b.Devices()[0].Addr }

func TestMagicAndVersion(t *testing.T) {
	h := &fakeHandler{config: make([]byte, 16)}
	b, _, _ := newTestBus(t, h)

	gb := membus.New()
	b.Install(gb)

	r := gb.Lookup(devAddr(b))
	if r == nil {
		t.Fatal("no range installed")
	}

	if v := r.Read(r.Opaque, 0x000, 2); v != virtio.MagicValue {
		t.Fatalf("magic = %#x, want %#x", v, virtio.MagicValue)
	}

	if v := r.Read(r.Opaque, 0x004, 2); v != virtio.Version {
		t.Fatalf("version = %d, want %d", v, virtio.Version)
	}

	if v := r.Read(r.Opaque, 0x008, 2); v != uint64(virtio.EntropyDeviceID) {
		t.Fatalf("device id = %d, want %d", v, virtio.EntropyDeviceID)
	}
}

func TestFeatureNegotiationAccept(t *testing.T) {
	h := &fakeHandler{config: make([]byte, 16)}
	b, _, _ := newTestBus(t, h)

	gb := membus.New()
	b.Install(gb)
	r := gb.Lookup(devAddr(b))

	// driver_features = VERSION_1 only (bit 32, window 1).
	r.Write(r.Opaque, 0x024, 1, 2) // DriverFeaturesSel = 1
	r.Write(r.Opaque, 0x020, 1, 2) // DriverFeatures window 1 bit 0 -> bit 32 overall

	r.Write(r.Opaque, 0x070, virtio.StatusAcknowledge, 2)
	r.Write(r.Opaque, 0x070, virtio.StatusAcknowledge|virtio.StatusDriver, 2)
	r.Write(r.Opaque, 0x070, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK, 2)

	got := r.Read(r.Opaque, 0x070, 2)
	if got&virtio.StatusFeaturesOK == 0 {
		t.Fatalf("status = %#x, FEATURES_OK was cleared", got)
	}
}

func TestFeatureNegotiationRejectsUnknownBit(t *testing.T) {
	h := &fakeHandler{config: make([]byte, 16)}
	b, _, _ := newTestBus(t, h)

	gb := membus.New()
	b.Install(gb)
	r := gb.Lookup(devAddr(b))

	// driver requests a feature the device doesn't offer, without VERSION_1.
	r.Write(r.Opaque, 0x024, 0, 2)
	r.Write(r.Opaque, 0x020, 1<<5, 2)

	r.Write(r.Opaque, 0x070, virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK, 2)

	got := r.Read(r.Opaque, 0x070, 2)
	if got&virtio.StatusFeaturesOK != 0 {
		t.Fatalf("status = %#x, FEATURES_OK should have been rejected", got)
	}
}

func TestStatusZeroResets(t *testing.T) {
	h := &fakeHandler{config: make([]byte, 16)}
	b, irq, _ := newTestBus(t, h)

	gb := membus.New()
	b.Install(gb)
	r := gb.Lookup(devAddr(b))

	r.Write(r.Opaque, 0x070, virtio.StatusAcknowledge|virtio.StatusDriver, 2)
	r.Write(r.Opaque, 0x030, 0, 2) // QueueSel = 0
	r.Write(r.Opaque, 0x038, 4, 2) // QueueNum = 4

	r.Write(r.Opaque, 0x070, 0, 2) // reset

	if got := r.Read(r.Opaque, 0x070, 2); got != 0 {
		t.Fatalf("status = %#x after reset, want 0", got)
	}

	if got := r.Read(r.Opaque, 0x038, 2); got != virtio.MaxQueueNum {
		t.Fatalf("queue num = %d after reset, want %d", got, virtio.MaxQueueNum)
	}

	_ = irq
}

func TestQueueNotifyKicksScheduler(t *testing.T) {
	h := &fakeHandler{config: make([]byte, 16)}
	b, _, sched := newTestBus(t, h)

	gb := membus.New()
	b.Install(gb)
	r := gb.Lookup(devAddr(b))

	r.Write(r.Opaque, 0x050, 2, 2) // QueueNotify(2)

	if len(sched.kicks) != 1 || sched.kicks[0][1] != 2 {
		t.Fatalf("kicks = %v, want one kick of queue 2", sched.kicks)
	}
}
