// Package runtime drives the pull side of the bridge inside the serve
// process: it consumes payloads, runs them through the data hub and
// delivers the main image to the configured adapters.
package runtime

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/pithecene-io/bridge/adapter"
	"github.com/pithecene-io/bridge/datahub"
	"github.com/pithecene-io/bridge/log"
	"github.com/pithecene-io/bridge/metrics"
	"github.com/pithecene-io/bridge/pipe"
	"github.com/pithecene-io/bridge/types"
)

// DefaultPublishTimeout bounds delivery to a single adapter.
const DefaultPublishTimeout = 30 * time.Second

// PipelineConfig configures a pipeline runner.
type PipelineConfig struct {
	// Consumer is the pull-side source (required).
	Consumer *pipe.Consumer
	// Hub processes payloads. Defaults to a hub sharing Logger.
	Hub *datahub.Hub
	// Adapters receive the result when a payload carries return info.
	Adapters []adapter.Adapter
	// RemoveConsumed deletes the payload's file after processing.
	RemoveConsumed bool
	// PublishTimeout bounds each adapter Publish (default 30s).
	PublishTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector records consumption and delivery. May be nil.
	Collector *metrics.Collector
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// StepResult describes one processed payload.
type StepResult struct {
	Payload types.Payload
	Outputs datahub.Outputs
	// Delivered counts adapters that accepted the result.
	Delivered int
	// Errors holds one entry per failed adapter.
	Errors []error
}

// Pipeline is the in-process consumer loop.
type Pipeline struct {
	config PipelineConfig
	logger *log.Logger
}

// NewPipeline creates a pipeline runner.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Consumer == nil {
		return nil, errors.New("pipeline requires a consumer")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Hub == nil {
		cfg.Hub = datahub.New(cfg.Logger.Named("datahub"))
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{config: cfg, logger: cfg.Logger}, nil
}

// Run processes payloads until ctx ends. It returns nil on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if _, err := p.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Step waits for one payload and processes it. Only context errors are
// returned; delivery failures are reported in the result.
func (p *Pipeline) Step(ctx context.Context) (*StepResult, error) {
	payload, err := p.config.Consumer.FetchContext(ctx)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, payload), nil
}

// Process runs one payload through the hub and delivers the result.
func (p *Pipeline) Process(ctx context.Context, payload types.Payload) *StepResult {
	p.config.Collector.IncPayloadsConsumed()
	out := p.config.Hub.Process(payload)
	res := &StepResult{Payload: payload, Outputs: out}

	main, hasFile := payload.MainFile()
	p.logger.Info("payload processed", map[string]any{
		"path":      main.Path,
		"extracted": out.Extracted,
		"width":     out.Width,
		"height":    out.Height,
	})

	if payload.ReturnInfo.Valid() {
		ev := adapter.NewResultEvent(payload.ReturnInfo, out.Image(), p.config.Now())
		ev.SourcePath = main.Path
		ev.RenderType = main.RenderType
		ev.Extracted = out.Extracted
		p.deliver(ctx, ev, res)
	} else if payload.ReturnInfo != nil {
		p.logger.Warn("return info incomplete, skipping delivery", map[string]any{
			"target_address": payload.ReturnInfo.TargetAddress,
			"result_name":    payload.ReturnInfo.ResultName,
		})
	}

	if p.config.RemoveConsumed && hasFile {
		if err := os.Remove(main.Path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove consumed file", map[string]any{"path": main.Path, "error": err.Error()})
		}
	}
	return res
}

func (p *Pipeline) deliver(ctx context.Context, ev *adapter.ResultEvent, res *StepResult) {
	for _, a := range p.config.Adapters {
		pubCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
		err := a.Publish(pubCtx, ev)
		cancel()
		if err != nil {
			p.config.Collector.IncResultFailures()
			res.Errors = append(res.Errors, err)
			p.logger.Error("result delivery failed", map[string]any{
				"target": ev.TargetAddress,
				"error":  err.Error(),
			})
			continue
		}
		p.config.Collector.IncResultsSent()
		res.Delivered++
	}
	if res.Delivered > 0 {
		p.logger.Info("result delivered", map[string]any{
			"target":      ev.TargetAddress,
			"result_name": ev.ResultName,
			"adapters":    res.Delivered,
		})
	}
}
