// Package adapter defines the outbound result boundary.
//
// Adapters deliver a finished result to a downstream system: the producer's
// HTTP endpoint (webhook) or an observer channel (redis). Delivery is best
// effort; callers log failures and continue.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/bridge/types"
)

// EventResultReady is the only event type.
const EventResultReady = "result_ready"

// ResultEvent is published when the pipeline has produced a result image.
// Image is carried in-process only and never serialized.
type ResultEvent struct {
	EventType     string   `json:"event_type"`
	BridgeVersion string   `json:"bridge_version"`
	TargetAddress string   `json:"target_address"`
	ResultName    string   `json:"result_name"`
	SourcePath    string   `json:"source_path,omitempty"`
	RenderType    string   `json:"render_type,omitempty"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	Extracted     []string `json:"extracted,omitempty"`
	Timestamp     string   `json:"timestamp"`

	Image *types.Image `json:"-"`
}

// NewResultEvent builds an event addressed by ri. ri must be valid.
func NewResultEvent(ri *types.ReturnInfo, img *types.Image, now time.Time) *ResultEvent {
	ev := &ResultEvent{
		EventType:     EventResultReady,
		BridgeVersion: types.Version,
		TargetAddress: ri.TargetAddress,
		ResultName:    ri.ResultName,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Image:         img,
	}
	if img != nil {
		ev.Width, ev.Height = img.Width, img.Height
	}
	return ev
}

// Adapter publishes result events to a downstream system.
type Adapter interface {
	// Publish delivers the event. Must respect context cancellation.
	Publish(ctx context.Context, event *ResultEvent) error

	// Close releases adapter resources.
	Close() error
}
