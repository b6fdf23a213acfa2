// Package engine talks to the node-graph execution engine: it submits
// workflows over HTTP and watches the engine's push-event socket to clean up
// files once a job has executed.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/bridge/iox"
	"github.com/pithecene-io/bridge/log"
	"github.com/pithecene-io/bridge/metrics"
)

// DefaultURL is the engine's default local HTTP address.
const DefaultURL = "http://127.0.0.1:8188"

// DefaultTimeout bounds a single submit request and the websocket handshake.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// Config configures an engine client.
type Config struct {
	// URL is the engine HTTP base URL (default DefaultURL).
	URL string
	// WSURL is the push-event base URL. Derived from URL when empty.
	WSURL string
	// Timeout bounds submit requests and websocket dials.
	Timeout time.Duration
}

// Client submits workflows and starts completion watches.
type Client struct {
	base    string
	wsBase  string
	timeout time.Duration
	http    *http.Client
	logger  *log.Logger
	metrics *metrics.Collector
}

// NewClient creates a client. logger and collector may be nil.
func NewClient(cfg Config, logger *log.Logger, collector *metrics.Collector) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	base := strings.TrimRight(cfg.URL, "/")
	wsBase := strings.TrimRight(cfg.WSURL, "/")
	if wsBase == "" {
		var err error
		if wsBase, err = deriveWS(base); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		base:    base,
		wsBase:  wsBase,
		timeout: cfg.Timeout,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: collector,
	}, nil
}

func deriveWS(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("engine url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("engine url %q: unsupported scheme %q", base, u.Scheme)
	}
	return u.String(), nil
}

// StatusError is returned when the engine answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine returned status %d", e.Code)
	}
	return fmt.Sprintf("engine returned status %d: %s", e.Code, e.Body)
}

type submitRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit queues workflow on the engine and returns the job id it reports.
// The job id is empty if the engine accepted the workflow without one.
// There is no retry.
func (c *Client) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: workflow, ClientID: uuid.NewString()})
	if err != nil {
		return "", fmt.Errorf("engine: marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine: submit: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("engine: decode response: %w", err)
	}
	return out.PromptID, nil
}
