// Package dispatch implements the MMIO request dispatcher: it polls the
// HostChannel for a captured guest transaction, classifies the address into
// a virtio device, HTIF, the SiFive test finisher, or the boot ROM, invokes
// the right handler, and writes the response register.
package dispatch

import (
	"log/slog"

	"github.com/rv-hype/fpgaemu/hostchannel"
	"github.com/rv-hype/fpgaemu/htif"
	"github.com/rv-hype/fpgaemu/membus"
	"github.com/rv-hype/fpgaemu/rom"
	"github.com/rv-hype/fpgaemu/sifive"
)

// HostChannel is the side-band abstraction the dispatcher drives. Satisfied
// by *hostchannel.HostChannel.
type HostChannel interface {
	HasPendingRequest() (bool, error)
	GetRequest() (hostchannel.Request, error)
	RespondRead(data uint64) error
	RespondAck() error
}

// strayLogSuppressed lists addresses probed routinely enough by boot
// firmware (HTIF and SiFive-test-adjacent words) that logging every access
// to them would be noise rather than signal.
var strayLogSuppressed = map[uint64]bool{
	0x10001000: true,
	0x10001008: true,
	0x50001000: true,
	0x50001008: true,
}

// Dispatcher wires a HostChannel to the guest memory bus, HTIF mailbox,
// SiFive test finisher, and boot ROM.
type Dispatcher struct {
	HC     HostChannel
	Bus    *membus.Bus
	HTIF   *htif.Mailbox
	SiFive *sifive.Finisher
	ROM    *rom.ROM
}

// ServeOne services at most one captured request. If none is pending it
// returns immediately; callers drive their own poll loop (spin or sleep).
func (d *Dispatcher) ServeOne() error {
	pending, err := d.HC.HasPendingRequest()
	if err != nil {
		return err
	}

	if !pending {
		return nil
	}

	req, err := d.HC.GetRequest()
	if err != nil {
		return err
	}

	if req.IsWrite {
		d.serveWrite(req)
		return d.HC.RespondAck()
	}

	return d.HC.RespondRead(d.serveRead(req))
}

func (d *Dispatcher) serveWrite(req hostchannel.Request) {
	addr := uint64(req.Addr)

	if r := d.Bus.Lookup(addr); r != nil {
		offset := addr - r.Base
		data := req.Data

		// The guest bus is 64-bit wide; a 32-bit write to the upper half of
		// a doubleword (addr bit 2 set) arrives in the upper 32 bits.
		if req.Addr&4 != 0 {
			data = (data >> 32) & 0xffffffff
		}

		r.Write(r.Opaque, offset, data, 2)
		return
	}

	switch {
	case d.HTIF != nil && addr == d.HTIF.TohostAddr:
		d.HTIF.WriteTohost(req.Data)

	case d.HTIF != nil && addr == d.HTIF.FromhostAddr:
		// writes to fromhost are ignored; the guest only reads it.

	case d.SiFive != nil && addr == d.SiFive.Addr:
		d.SiFive.Write(uint32(req.Data))

	default:
		if !strayLogSuppressed[addr] {
			slog.Warn("dispatch: stray mmio write", "addr", addr, "data", req.Data)
		}
	}
}

func (d *Dispatcher) serveRead(req hostchannel.Request) uint64 {
	addr := uint64(req.Addr)

	if r := d.Bus.Lookup(addr); r != nil {
		offset := addr - r.Base
		val := r.Read(r.Opaque, offset, 2)

		// Place a 32-bit read result into the upper lane when the access
		// targets the upper half of a doubleword.
		if offset%8 == 4 {
			val <<= 32
		}

		return val
	}

	if d.ROM != nil && d.ROM.Contains(addr) {
		return d.ROM.ReadWord(addr)
	}

	switch {
	case d.HTIF != nil && addr == d.HTIF.FromhostAddr:
		return d.HTIF.ReadFromhost()

	case d.SiFive != nil && addr == d.SiFive.Addr:
		return 0

	default:
		if !strayLogSuppressed[addr] {
			slog.Warn("dispatch: stray mmio read", "addr", addr)
		}

		return 0
	}
}
