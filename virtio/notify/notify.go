// Package notify implements the NotifyScheduler described in the core's
// concurrency model: a worker that decouples a guest's QueueNotify MMIO
// write from draining the corresponding virtqueue's available ring.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/virtq"
)

type deviceEntry struct {
	pending atomic.Uint32 // bitset of queue indices with a notify pending
	queues  []*virtq.Queue
}

func (e *deviceEntry) orMask(bits uint32) {
	for {
		old := e.pending.Load()
		if e.pending.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// Scheduler owns one file-scope-equivalent mutex/condvar pair and a
// per-device atomic notify bitset, reified as a value instead of global
// state so the emulator can own and hand it to producers.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	stop    bool

	devices []*deviceEntry
}

// New returns an empty scheduler.
func New() *Scheduler {
	s := &Scheduler{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register associates a device index (matching mmio.Bus's device ordering)
// with its queue array, returning that index for later Kick calls.
func (s *Scheduler) Register(queues []*virtq.Queue) int {
	s.devices = append(s.devices, &deviceEntry{queues: queues})
	return len(s.devices) - 1
}

// Kick marks queueIdx on device deviceIdx as needing a drain and wakes the
// worker. It is safe to call from the dispatcher thread under no additional
// lock: the bitset uses a release fetch-or, and the worker an acquire
// exchange, so a bit set concurrently with a drain is never lost.
func (s *Scheduler) Kick(deviceIdx, queueIdx int) {
	if deviceIdx < 0 || deviceIdx >= len(s.devices) {
		return
	}

	s.devices[deviceIdx].orMask(1 << uint(queueIdx))

	s.mu.Lock()
	s.pending = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Run blocks draining notified queues until Stop is called. It is meant to
// run in its own goroutine, typically under an errgroup alongside the
// dispatcher loop.
func (s *Scheduler) Run() error {
	for {
		s.mu.Lock()
		for !s.pending && !s.stop {
			s.cond.Wait()
		}

		if s.stop {
			s.mu.Unlock()
			return nil
		}

		s.pending = false
		s.mu.Unlock()

		for _, e := range s.devices {
			mask := e.pending.Swap(0)
			if mask == 0 {
				continue
			}

			for qi := 0; qi < virtio.MaxQueue; qi++ {
				if mask&(1<<uint(qi)) == 0 {
					continue
				}

				if qi >= len(e.queues) || e.queues[qi] == nil {
					continue
				}

				if err := e.queues[qi].Notify(); err != nil {
					slog.Error("notify: queue drain failed", "queue", qi, "err", err)
				}
			}
		}
	}
}

// Stop signals the worker to exit after draining any notify it has already
// observed. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stop = true
	s.cond.Signal()
	s.mu.Unlock()
}
