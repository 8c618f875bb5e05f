package rom_test

import (
	"testing"

	"github.com/rv-hype/fpgaemu/rom"
)

func TestReadWord(t *testing.T) {
	r := rom.New(0x1000, []uint64{0xdeadbeef, 0x1, 0x2})

	if !r.Contains(0x1000) || !r.Contains(0x1017) {
		t.Fatal("expected 0x1000 and 0x1017 to be in range")
	}

	if r.Contains(0x1018) {
		t.Fatal("0x1018 should be past the ROM's limit")
	}

	if got := r.ReadWord(0x1000); got != 0xdeadbeef {
		t.Fatalf("word 0 = %#x, want 0xdeadbeef", got)
	}

	if got := r.ReadWord(0x1010); got != 0x2 {
		t.Fatalf("word 2 = %#x, want 0x2", got)
	}
}
