package dispatch_test

import (
	"testing"

	"github.com/rv-hype/fpgaemu/dispatch"
	"github.com/rv-hype/fpgaemu/hostchannel"
	"github.com/rv-hype/fpgaemu/htif"
	"github.com/rv-hype/fpgaemu/membus"
	"github.com/rv-hype/fpgaemu/rom"
	"github.com/rv-hype/fpgaemu/sifive"
)

// fakeChannel plays the role of *hostchannel.HostChannel in tests: a single
// queued request and recorded responses.
type fakeChannel struct {
	req     hostchannel.Request
	pending bool

	acked    bool
	readResp uint64
	readSeen bool
}

func (f *fakeChannel) HasPendingRequest() (bool, error) { return f.pending, nil }

func (f *fakeChannel) GetRequest() (hostchannel.Request, error) {
	f.pending = false
	return f.req, nil
}

func (f *fakeChannel) RespondRead(data uint64) error {
	f.readResp, f.readSeen = data, true
	return nil
}

func (f *fakeChannel) RespondAck() error {
	f.acked = true
	return nil
}

func newDispatcher(hc dispatch.HostChannel) (*dispatch.Dispatcher, *membus.Bus, *htif.Mailbox, *sifive.Finisher) {
	gb := membus.New()
	h := htif.NewMailbox()
	f := sifive.NewFinisher()

	return &dispatch.Dispatcher{HC: hc, Bus: gb, HTIF: h, SiFive: f}, gb, h, f
}

func TestServeOneNoPendingRequestIsNoop(t *testing.T) {
	fc := &fakeChannel{}
	d, _, _, _ := newDispatcher(fc)

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if fc.acked || fc.readSeen {
		t.Fatal("no response should have been sent")
	}
}

func TestServeOneRoutesWriteToDeviceRange(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: true, Addr: 0x40000010, Data: 0x1234}}
	d, gb, _, _ := newDispatcher(fc)

	var gotOffset uint64
	var gotVal uint64
	if _, err := gb.Register(0x40000000, 0x40001000, nil,
		func(any, uint64, uint8) uint64 { return 0 },
		func(_ any, offset uint64, val uint64, _ uint8) { gotOffset, gotVal = offset, val },
	); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if !fc.acked {
		t.Fatal("expected write to be acked")
	}

	if gotOffset != 0x10 || gotVal != 0x1234 {
		t.Fatalf("write(offset=%#x, val=%#x), want offset=0x10 val=0x1234", gotOffset, gotVal)
	}
}

func TestServeOneWriteUpperLaneShift(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: true, Addr: 0x40000004, Data: 0x00000000_9abcdef0}}
	d, gb, _, _ := newDispatcher(fc)

	var gotVal uint64
	if _, err := gb.Register(0x40000000, 0x40001000, nil,
		func(any, uint64, uint8) uint64 { return 0 },
		func(_ any, _ uint64, val uint64, _ uint8) { gotVal = val },
	); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if gotVal != 0 {
		t.Fatalf("upper-lane write with zero upper data = %#x, want 0", gotVal)
	}
}

func TestServeOneRoutesReadFromDeviceRange(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: false, Addr: 0x40000000}}
	d, gb, _, _ := newDispatcher(fc)

	if _, err := gb.Register(0x40000000, 0x40001000, nil,
		func(any, uint64, uint8) uint64 { return 0x74726976 },
		func(any, uint64, uint64, uint8) {},
	); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if !fc.readSeen || fc.readResp != 0x74726976 {
		t.Fatalf("read response = %#x, want 0x74726976", fc.readResp)
	}
}

func TestServeOneReadUpperLanePlacesResultHigh(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: false, Addr: 0x40000004}}
	d, gb, _, _ := newDispatcher(fc)

	if _, err := gb.Register(0x40000000, 0x40001000, nil,
		func(any, uint64, uint8) uint64 { return 0x2 },
		func(any, uint64, uint64, uint8) {},
	); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if fc.readResp != 0x2<<32 {
		t.Fatalf("read response = %#x, want %#x", fc.readResp, uint64(0x2)<<32)
	}
}

func TestServeOneWriteTohostReachesMailbox(t *testing.T) {
	var got byte
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: true, Addr: htif.DefaultBase, Data: (uint64(1) << 56) | (uint64(1) << 48) | uint64('A')}}
	d, _, h, _ := newDispatcher(fc)
	h.Sink = sinkFunc(func(c byte) error { got = c; return nil })

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if !fc.acked || got != 'A' {
		t.Fatalf("got char %q, acked=%v", got, fc.acked)
	}
}

func TestServeOneReadFromhostQueued(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: false, Addr: htif.DefaultBase + htif.FromhostOffset}}
	d, _, h, _ := newDispatcher(fc)
	h.Enabled = true
	h.QueueStdin('z')

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	want := (uint64(1) << 56) | uint64('z')
	if fc.readResp != want {
		t.Fatalf("read response = %#x, want %#x", fc.readResp, want)
	}
}

func TestServeOneWriteSifiveFinish(t *testing.T) {
	var code int
	seen := false
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: true, Addr: sifive.DefaultAddr, Data: 0x5555}}
	d, _, _, f := newDispatcher(fc)
	f.Finish = func(c int) { code, seen = c, true }

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if !seen || code != 0 {
		t.Fatalf("finish(%d) seen=%v, want finish(0)", code, seen)
	}
}

func TestServeOneReadFromROM(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: false, Addr: 0x20000008}}
	d, _, _, _ := newDispatcher(fc)
	d.ROM = rom.New(0x20000000, []uint64{0x1111, 0x2222})

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if fc.readResp != 0x2222 {
		t.Fatalf("read response = %#x, want 0x2222", fc.readResp)
	}
}

func TestServeOneStrayReadReturnsZero(t *testing.T) {
	fc := &fakeChannel{pending: true, req: hostchannel.Request{IsWrite: false, Addr: 0xdeadbeef}}
	d, _, _, _ := newDispatcher(fc)

	if err := d.ServeOne(); err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	if fc.readResp != 0 {
		t.Fatalf("stray read response = %#x, want 0", fc.readResp)
	}
}

type sinkFunc func(byte) error

func (s sinkFunc) WriteByte(c byte) error { return s(c) }
