package store

import "sync"

// signal is a resettable event: raise wakes every waiter, lower re-arms it.
// Waiters select on the channel returned by wait; it is closed while raised.
type signal struct {
	mu     sync.Mutex
	raised bool
	ch     chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) raise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.raised {
		s.raised = true
		close(s.ch)
	}
}

func (s *signal) lower() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raised {
		s.raised = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) isRaised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raised
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
