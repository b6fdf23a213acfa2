// Package pipe is the pull side of the bridge: the engine-facing consumer
// that blocks until the request server publishes fresh data.
package pipe

import (
	"context"
	"time"

	"github.com/pithecene-io/bridge/store"
	"github.com/pithecene-io/bridge/types"
)

// DefaultProbeTimeout is how long HasFreshData waits in ShouldRerun.
const DefaultProbeTimeout = 10 * time.Millisecond

// Consumer hands the latest published payload downstream.
type Consumer struct {
	store        *store.Store
	probeTimeout time.Duration
}

// NewConsumer creates a consumer over s.
func NewConsumer(s *store.Store) *Consumer {
	return &Consumer{store: s, probeTimeout: DefaultProbeTimeout}
}

// Fetch blocks until fresh data arrives and returns it unchanged.
// Interactive mode is user-paced, so this may wait indefinitely.
func (c *Consumer) Fetch() types.Payload {
	return c.store.AwaitAndTake()
}

// FetchContext is Fetch bounded by ctx.
func (c *Consumer) FetchContext(ctx context.Context) (types.Payload, error) {
	return c.store.AwaitAndTakeContext(ctx)
}

// HasFreshData peeks readiness for up to timeout without consuming it.
func (c *Consumer) HasFreshData(timeout time.Duration) bool {
	return c.store.PollReady(timeout)
}

// ShouldRerun is the re-execution hook: hosts call it to decide whether the
// consuming node must be invoked again.
func (c *Consumer) ShouldRerun() bool {
	return c.HasFreshData(c.probeTimeout)
}
