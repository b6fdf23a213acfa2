package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/bridge/adapter"
	"github.com/pithecene-io/bridge/adapter/redis"
	"github.com/pithecene-io/bridge/adapter/webhook"
	"github.com/pithecene-io/bridge/cli/config"
	"github.com/pithecene-io/bridge/datahub"
	"github.com/pithecene-io/bridge/engine"
	"github.com/pithecene-io/bridge/host"
	"github.com/pithecene-io/bridge/ipc"
	"github.com/pithecene-io/bridge/log"
	"github.com/pithecene-io/bridge/metrics"
	"github.com/pithecene-io/bridge/pipe"
	"github.com/pithecene-io/bridge/runtime"
	"github.com/pithecene-io/bridge/server"
	"github.com/pithecene-io/bridge/store"
)

// DefaultBaseDir holds temp/, input/ and output/ when nothing else is configured.
const DefaultBaseDir = "bridge-data"

// ServeCommand returns the serve command, the only long-running command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the request server and the result pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to bridge.yaml",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Control channel bind endpoint",
				Value: ipc.DefaultEndpoint,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "base-dir",
				Usage: "Root for the temp, input and output directories",
				Value: DefaultBaseDir,
			},
			&cli.StringFlag{
				Name:  "engine-url",
				Usage: "Execution engine HTTP base URL",
				Value: engine.DefaultURL,
			},
			&cli.DurationFlag{
				Name:  "engine-timeout",
				Usage: "Timeout for workflow submission and websocket dials",
				Value: engine.DefaultTimeout,
			},
			&cli.StringFlag{
				Name:  "webhook-mode",
				Usage: "Result delivery: auto, path or bytes",
				Value: string(webhook.ModeAuto),
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Also publish result summaries to this Redis server",
			},
			&cli.BoolFlag{
				Name:  "no-pipeline",
				Usage: "Only run the request server; payloads stay in the store",
			},
		},
		Action: serveAction,
	}
}

// serveDeps is everything serveAction wires together.
type serveDeps struct {
	logger    *log.Logger
	collector *metrics.Collector
	store     *store.Store
	server    *server.Server
	pipeline  *runtime.Pipeline
	adapters  []adapter.Adapter
}

func serveAction(c *cli.Context) error {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		cfg = loaded
	}

	deps, err := buildServe(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = deps.logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			deps.logger.Info("shutting down", map[string]any{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	return runServe(ctx, deps)
}

// buildServe resolves flags against cfg and constructs the components.
func buildServe(c *cli.Context, cfg *config.Config) (*serveDeps, error) {
	logger := log.NewLoggerWithLevel("bridge", resolveString(c, "log-level", cfg.LogLevel))
	endpoint := resolveString(c, "listen", cfg.Listen)

	cfg.Dirs.Base = resolveString(c, "base-dir", cfg.Dirs.Base)
	dirs := cfg.HostDirs(DefaultBaseDir)

	adapterType := cfg.Adapter.Type
	redisURL := cfg.Adapter.URL
	if c.IsSet("redis-url") {
		adapterType, redisURL = config.AdapterRedis, c.String("redis-url")
	}
	collector := metrics.NewCollector(endpoint, adapterType)

	eng, err := engine.NewClient(engine.Config{
		URL:     resolveString(c, "engine-url", cfg.Engine.URL),
		WSURL:   cfg.Engine.WSURL,
		Timeout: resolveDuration(c, "engine-timeout", cfg.Engine.Timeout.Duration),
	}, logger.Named("engine"), collector)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	st := store.New()
	srv, err := server.New(server.Config{
		Endpoint:       endpoint,
		InputSubfolder: cfg.InputSubfolder,
		LoadImageClass: cfg.LoadImageClass,
		Store:          st,
		Paths:          dirs,
		Engine:         eng,
		Logger:         logger.Named("server"),
		Collector:      collector,
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	deps := &serveDeps{logger: logger, collector: collector, store: st, server: srv}

	pipelineEnabled := cfg.PipelineEnabled() && !c.Bool("no-pipeline")
	if !pipelineEnabled {
		return deps, nil
	}

	adapters, err := buildAdapters(c, cfg, dirs, adapterType, redisURL)
	if err != nil {
		return nil, err
	}
	deps.adapters = adapters

	p, err := runtime.NewPipeline(runtime.PipelineConfig{
		Consumer:       pipe.NewConsumer(st),
		Hub:            datahub.New(logger.Named("datahub")),
		Adapters:       adapters,
		RemoveConsumed: cfg.Pipeline.RemoveConsumed,
		Logger:         logger.Named("pipeline"),
		Collector:      collector,
	})
	if err != nil {
		closeAdapters(adapters)
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	deps.pipeline = p
	return deps, nil
}

func buildAdapters(c *cli.Context, cfg *config.Config, dirs *host.Dirs, adapterType, redisURL string) ([]adapter.Adapter, error) {
	wh, err := webhook.New(webhook.Config{
		Paths:        dirs,
		Mode:         webhook.Mode(resolveString(c, "webhook-mode", cfg.Webhook.Mode)),
		OutputPrefix: cfg.Webhook.OutputPrefix,
		Headers:      cfg.Webhook.Headers,
		Timeout:      cfg.Webhook.Timeout.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	adapters := []adapter.Adapter{wh}

	if adapterType == config.AdapterRedis {
		rd, err := redis.New(redis.Config{
			URL:     redisURL,
			Channel: cfg.Adapter.Channel,
			Timeout: cfg.Adapter.Timeout.Duration,
		})
		if err != nil {
			closeAdapters(adapters)
			return nil, fmt.Errorf("redis adapter: %w", err)
		}
		adapters = append(adapters, rd)
	}
	return adapters, nil
}

func closeAdapters(adapters []adapter.Adapter) {
	for _, a := range adapters {
		_ = a.Close()
	}
}

// runServe blocks until ctx is canceled or the server loop dies, then
// stops the pipeline and logs a metrics snapshot.
func runServe(ctx context.Context, deps *serveDeps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := deps.server.Start(ctx); err != nil {
		closeAdapters(deps.adapters)
		return cli.Exit(fmt.Sprintf("bind failed: %v", err), 1)
	}
	deps.logger.Info("bridge started", map[string]any{
		"endpoint": deps.collector.Snapshot().Endpoint,
		"pipeline": deps.pipeline != nil,
	})

	pipelineDone := make(chan error, 1)
	if deps.pipeline != nil {
		go func() { pipelineDone <- deps.pipeline.Run(ctx) }()
	} else {
		close(pipelineDone)
	}

	unexpected := false
	select {
	case <-ctx.Done():
	case <-deps.server.Done():
		unexpected = true
		deps.logger.Error("request server stopped unexpectedly", nil)
	}
	cancel()

	if err := deps.server.Close(); err != nil {
		deps.logger.Warn("server close failed", map[string]any{"error": err.Error()})
	}
	runErr := <-pipelineDone
	closeAdapters(deps.adapters)

	deps.logger.Info("bridge stopped", deps.collector.Snapshot().Fields())
	if runErr != nil {
		return fmt.Errorf("pipeline: %w", runErr)
	}
	if unexpected {
		return cli.Exit("request server stopped", 1)
	}
	return nil
}
