// Package metrics provides process-lifetime counters for the bridge.
//
// The Collector is a leaf package with no internal dependencies. It is shared
// by the request server, the cleanup watcher and the pipeline runner.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Request server
	MessagesReceived     int64
	Pings                int64
	InteractivePublishes int64
	AutomaticSubmissions int64
	SubmitFailures       int64
	DecodeErrors         int64
	ErrorReplies         int64
	ReplyFailures        int64

	// Cleanup watcher
	WatchesStarted  int64
	FilesCleaned    int64
	CleanupFailures int64

	// Pipeline / result delivery
	PayloadsConsumed int64
	ResultsSent      int64
	ResultFailures   int64

	// Dimensions (informational, set at construction)
	Endpoint string
	Adapter  string
}

// Collector accumulates counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	messagesReceived     int64
	pings                int64
	interactivePublishes int64
	automaticSubmissions int64
	submitFailures       int64
	decodeErrors         int64
	errorReplies         int64
	replyFailures        int64

	watchesStarted  int64
	filesCleaned    int64
	cleanupFailures int64

	payloadsConsumed int64
	resultsSent      int64
	resultFailures   int64

	endpoint string
	adapter  string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(endpoint, adapter string) *Collector {
	return &Collector{
		endpoint: endpoint,
		adapter:  adapter,
	}
}

// add increments *field by n under the lock.
func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Request server ---

// IncMessagesReceived records a received multi-part message.
func (c *Collector) IncMessagesReceived() {
	if c == nil {
		return
	}
	c.add(&c.messagesReceived, 1)
}

// IncPings records a handshake.
func (c *Collector) IncPings() {
	if c == nil {
		return
	}
	c.add(&c.pings, 1)
}

// IncInteractivePublishes records a payload published to the store.
func (c *Collector) IncInteractivePublishes() {
	if c == nil {
		return
	}
	c.add(&c.interactivePublishes, 1)
}

// IncAutomaticSubmissions records a workflow accepted by the engine.
func (c *Collector) IncAutomaticSubmissions() {
	if c == nil {
		return
	}
	c.add(&c.automaticSubmissions, 1)
}

// IncSubmitFailures records a workflow the engine did not accept.
func (c *Collector) IncSubmitFailures() {
	if c == nil {
		return
	}
	c.add(&c.submitFailures, 1)
}

// IncDecodeErrors records a malformed control header.
func (c *Collector) IncDecodeErrors() {
	if c == nil {
		return
	}
	c.add(&c.decodeErrors, 1)
}

// IncErrorReplies records a status=error reply.
func (c *Collector) IncErrorReplies() {
	if c == nil {
		return
	}
	c.add(&c.errorReplies, 1)
}

// IncReplyFailures records a reply that could not be sent.
func (c *Collector) IncReplyFailures() {
	if c == nil {
		return
	}
	c.add(&c.replyFailures, 1)
}

// --- Cleanup watcher ---

// IncWatchesStarted records a spawned completion watch.
func (c *Collector) IncWatchesStarted() {
	if c == nil {
		return
	}
	c.add(&c.watchesStarted, 1)
}

// AddFilesCleaned records removed temporary inputs.
func (c *Collector) AddFilesCleaned(n int) {
	if c == nil {
		return
	}
	c.add(&c.filesCleaned, int64(n))
}

// IncCleanupFailures records a temporary input that could not be removed.
func (c *Collector) IncCleanupFailures() {
	if c == nil {
		return
	}
	c.add(&c.cleanupFailures, 1)
}

// --- Pipeline ---

// IncPayloadsConsumed records a payload taken by the pipeline.
func (c *Collector) IncPayloadsConsumed() {
	if c == nil {
		return
	}
	c.add(&c.payloadsConsumed, 1)
}

// IncResultsSent records a result delivered to the producer.
func (c *Collector) IncResultsSent() {
	if c == nil {
		return
	}
	c.add(&c.resultsSent, 1)
}

// IncResultFailures records a result delivery failure.
func (c *Collector) IncResultFailures() {
	if c == nil {
		return
	}
	c.add(&c.resultFailures, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		MessagesReceived:     c.messagesReceived,
		Pings:                c.pings,
		InteractivePublishes: c.interactivePublishes,
		AutomaticSubmissions: c.automaticSubmissions,
		SubmitFailures:       c.submitFailures,
		DecodeErrors:         c.decodeErrors,
		ErrorReplies:         c.errorReplies,
		ReplyFailures:        c.replyFailures,

		WatchesStarted:  c.watchesStarted,
		FilesCleaned:    c.filesCleaned,
		CleanupFailures: c.cleanupFailures,

		PayloadsConsumed: c.payloadsConsumed,
		ResultsSent:      c.resultsSent,
		ResultFailures:   c.resultFailures,

		Endpoint: c.endpoint,
		Adapter:  c.adapter,
	}
}

// Fields returns the snapshot as a flat map for structured logging.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"messages_received":     s.MessagesReceived,
		"pings":                 s.Pings,
		"interactive_publishes": s.InteractivePublishes,
		"automatic_submissions": s.AutomaticSubmissions,
		"submit_failures":       s.SubmitFailures,
		"decode_errors":         s.DecodeErrors,
		"error_replies":         s.ErrorReplies,
		"reply_failures":        s.ReplyFailures,
		"watches_started":       s.WatchesStarted,
		"files_cleaned":         s.FilesCleaned,
		"cleanup_failures":      s.CleanupFailures,
		"payloads_consumed":     s.PayloadsConsumed,
		"results_sent":          s.ResultsSent,
		"result_failures":       s.ResultFailures,
		"endpoint":              s.Endpoint,
		"adapter":               s.Adapter,
	}
}
