package persistence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Default write-delay and fast-write windows.
const (
	DefaultWriteDelay = 30 * time.Minute
	DebugWriteDelay   = 1 * time.Second
	FastWriteDelay    = 10 * time.Second
)

// WriteFunc performs one snapshot write. Supplied by whoever wires the
// daemon (cmd/appopsd passes a closure over Engine.WriteSnapshotTo), which
// knows how to snapshot the store under the engine's lock and then call
// WriteAtomic outside it.
type WriteFunc func() error

// Scheduler arms delayed/fast timers that coalesce many mutations into one
// write, using a one-shot, re-armable timer guarded by its own mutex.
//
// fileMu serializes the write itself, so that two writers racing to flush
// never interleave. It is always acquired outside the engine's global lock.
type Scheduler struct {
	mu         sync.Mutex
	fileMu     sync.Mutex
	timer      *time.Timer
	armed      bool
	fastArmed  bool
	writeDelay time.Duration
	fastDelay  time.Duration
	write      WriteFunc
	log        *zap.Logger
}

// NewScheduler creates a Scheduler. writeDelay is the delayed-write window
// (DefaultWriteDelay in production, DebugWriteDelay in debug builds);
// fastDelay is normally FastWriteDelay.
func NewScheduler(writeDelay, fastDelay time.Duration, write WriteFunc, log *zap.Logger) *Scheduler {
	return &Scheduler{
		writeDelay: writeDelay,
		fastDelay:  fastDelay,
		write:      write,
		log:        log,
	}
}

// Schedule arms a delayed write if none is currently pending, coalescing
// any number of mutations before the next flush.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return
	}
	s.armed = true
	s.fastArmed = false
	s.timer = time.AfterFunc(s.writeDelay, s.fire)
}

// ScheduleFast cancels any pending delayed timer and arms a new one for
// the fast window. Repeated calls while already inside a fast window do
// not re-arm, preserving the coalescing.
func (s *Scheduler) ScheduleFast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed && s.fastArmed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = true
	s.fastArmed = true
	s.timer = time.AfterFunc(s.fastDelay, s.fire)
}

// Sync cancels any pending timer and writes synchronously on the calling
// goroutine (shutdown / external write-settings command).
func (s *Scheduler) Sync() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
	s.fastArmed = false
	s.mu.Unlock()
	return s.writeLocked()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.armed = false
	s.fastArmed = false
	s.timer = nil
	s.mu.Unlock()
	if err := s.writeLocked(); err != nil && s.log != nil {
		s.log.Error("scheduled snapshot write failed", zap.Error(err))
	}
}

func (s *Scheduler) writeLocked() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return s.write()
}

// SetDelays updates the delayed/fast write windows for future Schedule/
// ScheduleFast calls, without disturbing a timer already armed. Used for
// non-destructive config hot-reload.
func (s *Scheduler) SetDelays(writeDelay, fastDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeDelay = writeDelay
	s.fastDelay = fastDelay
}

// Stop cancels any pending timer without writing. Used only in tests.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
	s.fastArmed = false
}
