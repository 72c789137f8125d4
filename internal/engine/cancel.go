// Package engine drives the top-level turn loop: curate context, call
// the provider, run tool batches, checkpoint, repeat until terminal.
package engine

import (
	"sync"
	"sync/atomic"
)

// Signals is the shared cancel/exit pair observed at every suspension
// point. Cancel ends the current turn; Exit ends the session.
type Signals struct {
	cancelled atomic.Bool
	exited    atomic.Bool

	mu       sync.Mutex
	notifyCh chan struct{}
}

// NewSignals creates an un-signalled pair.
func NewSignals() *Signals {
	return &Signals{notifyCh: make(chan struct{})}
}

// Cancel requests the current turn to stop.
func (s *Signals) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.notify()
	}
}

// Exit requests the session to end.
func (s *Signals) Exit() {
	s.exited.Store(true)
	if s.cancelled.CompareAndSwap(false, true) {
		s.notify()
	}
}

func (s *Signals) notify() {
	s.mu.Lock()
	close(s.notifyCh)
	s.mu.Unlock()
}

// Cancelled reports whether a cancel or exit was requested.
func (s *Signals) Cancelled() bool { return s.cancelled.Load() }

// Exited reports whether session exit was requested.
func (s *Signals) Exited() bool { return s.exited.Load() }

// Done returns a channel closed on the first cancel/exit.
func (s *Signals) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh
}

// ResetForNextTurn clears a plain cancel so the next turn can run;
// exit is sticky.
func (s *Signals) ResetForNextTurn() {
	if s.exited.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled.CompareAndSwap(true, false) {
		s.notifyCh = make(chan struct{})
	}
}
