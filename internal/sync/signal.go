package sync

import (
	"context"
	"time"
)

// Signal is a coalescing wake-up for the engine's sweep loop. Raises
// collapse into a single pending wake: however many mutations land while
// a sweep is running, the loop re-polls exactly once. Raise never
// blocks, so mutation paths stay fast even with no loop running.
type Signal struct {
	ch chan struct{}
}

// NewSignal creates an unraised Signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise records a pending wake. Idempotent while a wake is already
// pending; safe to call from any goroutine.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Await blocks until the signal is raised or ctx is done. It reports
// true when woken by a raise, false on cancellation.
func (s *Signal) Await(ctx context.Context) bool {
	select {
	case <-s.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// AwaitTimeout blocks until the signal is raised, d elapses, or ctx is
// done. It reports true only when woken by a raise.
func (s *Signal) AwaitTimeout(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
