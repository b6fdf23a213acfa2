// Package store holds the single in-flight payload shared between the
// request server (writer) and the pipe consumer (reader).
//
// The store is a one-slot mailbox with last-write-wins semantics: Publish
// never blocks and overwrites any unconsumed payload. A readiness signal is
// raised on every publish and lowered by exactly one AwaitAndTake.
//
// Locking: mu guards the payload fields. The signal has its own lock and may
// be observed without mu, but it is only raised or lowered while mu is held,
// so a consumer that sees it raised always snapshots the matching payload.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/bridge/types"
)

// Store is the process-wide payload slot. Construct one per process and
// share it between the server and the consumer.
type Store struct {
	mu        sync.Mutex
	payload   types.Payload
	published uint64
	ready     *signal
}

// New creates an empty store with the readiness signal lowered.
func New() *Store {
	return &Store{ready: newSignal()}
}

// Publish replaces the current payload and raises readiness.
// A payload published before the previous one was taken is discarded.
func (s *Store) Publish(p types.Payload) {
	s.mu.Lock()
	s.payload = p.Clone()
	s.published++
	s.ready.raise()
	s.mu.Unlock()
}

// AwaitAndTake blocks until a payload is published, then returns a snapshot
// of it and lowers readiness. There is no timeout.
func (s *Store) AwaitAndTake() types.Payload {
	p, _ := s.AwaitAndTakeContext(context.Background())
	return p
}

// AwaitAndTakeContext is AwaitAndTake bounded by ctx.
// Returns ctx.Err() if the context ends before a payload is available.
func (s *Store) AwaitAndTakeContext(ctx context.Context) (types.Payload, error) {
	for {
		select {
		case <-s.ready.wait():
		case <-ctx.Done():
			return types.Payload{}, ctx.Err()
		}

		s.mu.Lock()
		if !s.ready.isRaised() {
			// Another consumer took it between the wakeup and the lock.
			s.mu.Unlock()
			continue
		}
		snapshot := s.payload.Clone()
		s.ready.lower()
		s.mu.Unlock()
		return snapshot, nil
	}
}

// PollReady reports whether readiness is raised, waiting up to timeout for
// it. It never consumes the signal.
func (s *Store) PollReady(timeout time.Duration) bool {
	if timeout <= 0 {
		return s.ready.isRaised()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ready.wait():
		return true
	case <-timer.C:
		return false
	}
}

// Peek returns a snapshot of the slot and whether it is still unconsumed.
// The slot keeps the last payload after it is taken.
func (s *Store) Peek() (types.Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload.Clone(), s.ready.isRaised()
}

// Published returns the number of Publish calls since construction.
func (s *Store) Published() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}
