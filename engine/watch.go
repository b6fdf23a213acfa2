package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pithecene-io/bridge/iox"
)

// EventExecuted is the push-event type emitted when a job finishes a node
// that produced output.
const EventExecuted = "executed"

type event struct {
	Type string `json:"type"`
	Data struct {
		PromptID string `json:"prompt_id"`
	} `json:"data"`
}

// Watch is a running completion watch. It ends after cleanup, after a
// connection error, or when its context is canceled.
type Watch struct {
	JobID string

	done    chan struct{}
	mu      sync.Mutex
	removed int
	err     error
}

// Done is closed when the watch ends.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Wait blocks until the watch ends and returns how many files it removed
// and the connection error that ended it, if any.
func (w *Watch) Wait() (int, error) {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removed, w.err
}

// Watch connects to the engine's push-event socket and deletes paths once
// an executed event for jobID arrives. It returns immediately.
func (c *Client) Watch(ctx context.Context, jobID string, paths []string) *Watch {
	w := &Watch{JobID: jobID, done: make(chan struct{})}
	c.metrics.IncWatchesStarted()
	go c.watch(ctx, w, append([]string(nil), paths...))
	return w
}

func (c *Client) watch(ctx context.Context, w *Watch, paths []string) {
	defer close(w.done)
	logger := c.logger.With(map[string]any{"job_id": w.JobID})

	fail := func(err error) {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		logger.Warn("completion watch ended without cleanup", map[string]any{"error": err.Error()})
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	}

	endpoint := c.wsBase + "/ws?clientId=" + url.QueryEscape(uuid.NewString())
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		fail(fmt.Errorf("dial %s: %w", c.wsBase, err))
		return
	}
	defer iox.DiscardClose(conn)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	logger.Debug("watching job", nil)
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			fail(fmt.Errorf("read: %w", err))
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type != EventExecuted || ev.Data.PromptID != w.JobID {
			continue
		}

		removed := iox.RemoveEach(paths, func(path string, err error) {
			c.metrics.IncCleanupFailures()
			logger.Warn("failed to remove file", map[string]any{"path": path, "error": err.Error()})
		})
		c.metrics.AddFilesCleaned(removed)
		logger.Info("job executed, files cleaned", map[string]any{"removed": removed, "total": len(paths)})

		w.mu.Lock()
		w.removed = removed
		w.mu.Unlock()
		return
	}
}
