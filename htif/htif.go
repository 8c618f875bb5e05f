// Package htif implements the RISC-V Host-Target Interface mailbox: a pair
// of guest-writable/readable words (tohost/fromhost) used by bare-metal
// tests and the BBL/OpenSBI boot chain to print characters and signal exit.
package htif

import (
	"log/slog"
	"sync"
)

// default placement, matching the deployed FPGA bitstream's HTIF base.
const (
	DefaultBase     = 0x10001000
	TohostOffset    = 0
	FromhostOffset  = 8
)

// Sink receives characters the guest writes via a dev=1,cmd=1 tohost packet.
type Sink interface {
	WriteByte(c byte) error
}

// Mailbox decodes/encodes the tohost/fromhost wire protocol and queues host
// keystrokes for fromhost reads.
type Mailbox struct {
	TohostAddr   uint64
	FromhostAddr uint64

	Sink    Sink
	Enabled bool

	// Finish is called when the guest signals it is done; code 0 means
	// PASS, anything else is the guest-reported failure code (payload>>1).
	// WriteTohost never reports ExitCodeReset.
	Finish func(code int)

	mu    sync.Mutex
	stdin []byte
}

// ExitCodeReset is the exit code that denotes a guest-requested reset (as
// opposed to pass/fail). The HTIF tohost decode itself never produces it.
const ExitCodeReset = -1

// NewMailbox returns a Mailbox placed at the default HTIF base address.
func NewMailbox() *Mailbox {
	return &Mailbox{
		TohostAddr:   DefaultBase + TohostOffset,
		FromhostAddr: DefaultBase + FromhostOffset,
	}
}

// SetBase repositions tohost/fromhost relative to a new base address.
func (m *Mailbox) SetBase(base uint64) {
	m.TohostAddr = base + TohostOffset
	m.FromhostAddr = base + FromhostOffset
}

// QueueStdin enqueues a character the guest may later read via fromhost. It
// is called by the terminal-pump goroutine outside this package.
func (m *Mailbox) QueueStdin(c byte) {
	m.mu.Lock()
	m.stdin = append(m.stdin, c)
	m.mu.Unlock()
}

func (m *Mailbox) dequeueStdin() (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stdin) == 0 {
		return 0, false
	}

	c := m.stdin[0]
	m.stdin = m.stdin[1:]
	return c, true
}

// WriteTohost decodes and dispatches a write to TohostAddr.
func (m *Mailbox) WriteTohost(data uint64) {
	dev := byte(data >> 56)
	cmd := byte(data >> 48)
	payload := data & 0x0000ffffffffffff

	switch {
	case dev == 1 && cmd == 1:
		if m.Sink != nil {
			m.Sink.WriteByte(byte(payload))
		}

	case dev == 0 && cmd == 0:
		if m.Finish == nil {
			return
		}

		if payload == 1 {
			m.Finish(0)
		} else {
			m.Finish(int(payload >> 1))
		}

	default:
		slog.Default().Warn("htif: unrecognized tohost packet",
			"dev", dev, "cmd", cmd, "payload", payload)
	}
}

// ReadFromhost services a read of FromhostAddr: pop one queued host
// keystroke if HTIF is enabled and one is waiting, else 0.
func (m *Mailbox) ReadFromhost() uint64 {
	if !m.Enabled {
		return 0
	}

	c, ok := m.dequeueStdin()
	if !ok {
		return 0
	}

	return (uint64(1) << 56) | uint64(c)
}
