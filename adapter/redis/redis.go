// Package redis publishes result summaries to a Redis pub/sub channel.
//
// Observers (dashboards, render-farm tooling) subscribe to the channel to
// learn when the bridge delivered a result. The image itself is not sent.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/bridge/adapter"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "bridge:result_ready"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Config configures the Redis pub/sub adapter.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: bridge:result_ready).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
}

// Adapter publishes result summaries via Redis PUBLISH.
type Adapter struct {
	config Config
	client *goredis.Client
}

// New creates a Redis pub/sub adapter from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Adapter{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Publish sends the event summary as JSON to the configured channel.
// A single attempt is made.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ResultEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	if err := a.client.Publish(publishCtx, a.config.Channel, body).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", a.config.Channel, err)
	}
	return nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
