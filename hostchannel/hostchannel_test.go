package hostchannel_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rv-hype/fpgaemu/hostchannel"
)

// newTestChannel backs a HostChannel with plain regular files instead of the
// real fmem character devices; Pread/Pwrite at fixed offsets behaves the same
// way on both, which is all this package relies on.
func newTestChannel(t *testing.T) *hostchannel.HostChannel {
	t.Helper()

	dir := t.TempDir()
	mmio := filepath.Join(dir, "mmio")
	dma := filepath.Join(dir, "dma")
	irq := filepath.Join(dir, "irq")

	for _, p := range []string{mmio, dma, irq} {
		f, err := os.Create(p)
		if err != nil {
			t.Fatal(err)
		}

		if err := f.Truncate(4096); err != nil {
			t.Fatal(err)
		}

		f.Close()
	}

	hc, err := hostchannel.OpenPaths(mmio, dma, irq)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { hc.Close() })
	return hc
}

func TestOpenPathsMissingDMAIsFatal(t *testing.T) {
	dir := t.TempDir()
	mmio := filepath.Join(dir, "mmio")
	os.WriteFile(mmio, make([]byte, 4096), 0o600)

	_, err := hostchannel.OpenPaths(mmio, filepath.Join(dir, "nope-dma"), filepath.Join(dir, "nope-irq"))
	if err == nil {
		t.Fatal("expected error opening nonexistent dma device")
	}
}

func TestDMARoundTrip(t *testing.T) {
	hc := newTestChannel(t)

	want := []byte{1, 2, 3, 4, 5}
	if err := hc.DMAWrite(16, want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(want))
	if err := hc.DMARead(16, got); err != nil {
		t.Fatal(err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestIRQLevels(t *testing.T) {
	hc := newTestChannel(t)

	if err := hc.SetIRQLevels(0x3); err != nil {
		t.Fatal(err)
	}

	if got := hc.ReadIRQLevels(); got != 0x3 {
		t.Fatalf("levels = %#x, want 0x3", got)
	}

	if err := hc.ClearIRQLevels(0x1); err != nil {
		t.Fatal(err)
	}

	if got := hc.ReadIRQLevels(); got != 0x2 {
		t.Fatalf("levels = %#x, want 0x2", got)
	}
}
