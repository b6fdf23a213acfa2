// Package server runs the request server: a single reply socket that accepts
// producer requests, persists image bytes and routes each request to the
// engine (automatic mode) or the payload store (interactive mode).
//
// Message flow:
//
//	AWAIT_MESSAGE → DECODE_HEADER → ROUTE → {HANDSHAKE | AUTOMATIC_SUBMIT |
//	INTERACTIVE_PUBLISH | ERROR} → REPLY
//
// Every received request gets exactly one reply. Per-message failures become
// error replies and never stop the loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pithecene-io/bridge/engine"
	"github.com/pithecene-io/bridge/host"
	"github.com/pithecene-io/bridge/iox"
	"github.com/pithecene-io/bridge/ipc"
	"github.com/pithecene-io/bridge/log"
	"github.com/pithecene-io/bridge/metrics"
	"github.com/pithecene-io/bridge/store"
	"github.com/pithecene-io/bridge/types"
)

// DefaultInputSubfolder is the input-dir subfolder for automatic-mode files.
const DefaultInputSubfolder = "bridge_input"

// Engine is the slice of the engine client the server needs.
type Engine interface {
	Submit(ctx context.Context, workflow map[string]any) (string, error)
	Watch(ctx context.Context, jobID string, paths []string) *engine.Watch
}

// ListenFunc binds the reply socket. Used for test injection.
type ListenFunc func(ctx context.Context, endpoint string) (ipc.Socket, error)

// Config configures a request server.
type Config struct {
	// Endpoint is the bind address (default ipc.DefaultEndpoint).
	Endpoint string
	// InputSubfolder is the subfolder of the input dir for automatic-mode
	// files (default DefaultInputSubfolder).
	InputSubfolder string
	// LoadImageClass is the workflow node class patched with the uploaded
	// filename (default engine.DefaultLoadImageClass).
	LoadImageClass string
	// Store receives interactive payloads (required).
	Store *store.Store
	// Paths resolves temp and input directories (required).
	Paths host.Paths
	// Engine submits automatic-mode workflows. If nil, automatic requests
	// get an error reply.
	Engine Engine
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Collector records per-route counters. May be nil.
	Collector *metrics.Collector
	// Listen overrides socket creation (for testing).
	// If nil, binds a ZeroMQ REP socket.
	Listen ListenFunc
}

// Server is the request server.
type Server struct {
	config Config
	logger *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sock    ipc.Socket
	done    chan struct{}
	watches sync.WaitGroup
	ctx     context.Context
}

// New creates a server. It does not bind until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if cfg.Paths == nil {
		return nil, errors.New("server requires host paths")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = ipc.DefaultEndpoint
	}
	if cfg.InputSubfolder == "" {
		cfg.InputSubfolder = DefaultInputSubfolder
	}
	if cfg.LoadImageClass == "" {
		cfg.LoadImageClass = engine.DefaultLoadImageClass
	}
	if cfg.Listen == nil {
		cfg.Listen = func(ctx context.Context, endpoint string) (ipc.Socket, error) {
			return ipc.ListenRep(ctx, endpoint)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Server{
		config: cfg,
		logger: logger.With(map[string]any{"endpoint": cfg.Endpoint}),
		ctx:    context.Background(),
	}, nil
}

// Start binds the endpoint and launches the receive loop.
// Calling Start on a running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	sock, err := s.config.Listen(runCtx, s.config.Endpoint)
	if err != nil {
		cancel()
		return fmt.Errorf("start server: %w", err)
	}

	s.running = true
	s.ctx = runCtx
	s.cancel = cancel
	s.sock = sock
	s.done = make(chan struct{})

	go s.loop(runCtx, sock, s.done)
	s.logger.Info("request server listening", nil)
	return nil
}

// Done is closed when the receive loop exits. Nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close stops the loop, closes the socket and waits for completion watches.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, sock, done := s.cancel, s.sock, s.done
	s.mu.Unlock()

	cancel()
	err := sock.Close()
	<-done
	s.watches.Wait()
	return err
}

func (s *Server) loop(ctx context.Context, sock ipc.Socket, done chan struct{}) {
	defer close(done)
	for {
		frames, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A REP socket cannot reply without a request; log and keep
			// receiving unless the socket is gone.
			s.logger.Error("receive failed", map[string]any{"error": err.Error()})
			if isTerminal(err) {
				return
			}
			continue
		}

		reply := s.Handle(frames)
		out, err := ipc.EncodeReply(reply)
		if err == nil {
			err = sock.Send(out)
		}
		if err != nil {
			s.config.Collector.IncReplyFailures()
			s.logger.Error("failed to send reply", map[string]any{"error": err.Error()})
		}
	}
}

// isTerminal reports whether a receive error means the socket is gone.
func isTerminal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

// Handle processes one request and returns its reply. It never panics on
// malformed input.
func (s *Server) Handle(frames [][]byte) ipc.Reply {
	s.config.Collector.IncMessagesReceived()

	msg, err := ipc.DecodeMessage(frames)
	if err != nil {
		s.config.Collector.IncDecodeErrors()
		return s.errorReply(err)
	}

	h := msg.Header
	s.logger.Debug("request received", map[string]any{"kind": string(h.Kind)})

	switch h.Kind {
	case ipc.KindPing:
		s.config.Collector.IncPings()
		return ipc.OK(ipc.MessagePong)
	case ipc.KindAutomatic:
		if err := s.submit(h, msg.Data); err != nil {
			return s.errorReply(err)
		}
		return ipc.OK(ipc.MessageQueued)
	default:
		if err := s.publish(h, msg.Data); err != nil {
			return s.errorReply(err)
		}
		return ipc.OK(ipc.MessageInteractive)
	}
}

func (s *Server) errorReply(err error) ipc.Reply {
	s.config.Collector.IncErrorReplies()
	s.logger.Warn("request failed", map[string]any{"error": err.Error()})
	return ipc.Error(err)
}

// submit stages the image in the input dir, patches the workflow and queues
// it. Engine-side failures are logged; the producer still gets "queued".
func (s *Server) submit(h *ipc.Header, data []byte) error {
	if s.config.Engine == nil {
		return errors.New("automatic mode is not available: no engine configured")
	}
	inputDir, err := s.config.Paths.InputDir()
	if err != nil {
		return fmt.Errorf("input dir: %w", err)
	}

	name := uniqueName(h.Filename)
	rel := path.Join(s.config.InputSubfolder, name)
	full := filepath.Join(inputDir, s.config.InputSubfolder, name)
	if err := iox.WriteFile(full, data); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	s.config.Collector.IncAutomaticSubmissions()
	s.logger.Info("automatic request staged", map[string]any{"path": full})

	if node, ok := engine.PatchLoadImage(h.Workflow, s.config.LoadImageClass, rel); ok {
		s.logger.Debug("patched image loader", map[string]any{"node": node, "image": rel})
	} else {
		s.logger.Warn("workflow has no image loader node", map[string]any{"class": s.config.LoadImageClass})
	}

	ctx := s.runContext()
	jobID, err := s.config.Engine.Submit(ctx, h.Workflow)
	if err != nil {
		s.config.Collector.IncSubmitFailures()
		s.logger.Error("workflow submission failed", map[string]any{"error": err.Error()})
		return nil
	}
	if jobID == "" {
		s.logger.Warn("engine returned no job id, staged file is kept", map[string]any{"path": full})
		return nil
	}

	s.logger.Info("workflow queued", map[string]any{"job_id": jobID})
	if w := s.config.Engine.Watch(ctx, jobID, []string{full}); w != nil {
		s.watches.Add(1)
		go func() {
			defer s.watches.Done()
			<-w.Done()
		}()
	}
	return nil
}

// publish stages the image in the temp dir and replaces the store slot.
func (s *Server) publish(h *ipc.Header, data []byte) error {
	tempDir, err := s.config.Paths.TempDir()
	if err != nil {
		return fmt.Errorf("temp dir: %w", err)
	}

	full := filepath.Join(tempDir, uniqueName(h.Filename))
	if err := iox.WriteFile(full, data); err != nil {
		return fmt.Errorf("save image: %w", err)
	}

	s.config.Store.Publish(types.Payload{
		Files: []types.FileDescriptor{{
			Path:         full,
			Kind:         types.KindForRenderType(h.RenderType),
			RenderType:   h.RenderType,
			OriginalName: SanitizeFilename(h.Filename),
		}},
		Metadata:   h.Metadata,
		ReturnInfo: h.ReturnInfo,
	})
	s.config.Collector.IncInteractivePublishes()
	s.logger.Info("interactive payload published", map[string]any{
		"path":        full,
		"render_type": h.RenderType,
	})
	return nil
}

func (s *Server) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func uniqueName(filename string) string {
	return uuid.NewString() + "_" + SanitizeFilename(filename)
}

// SanitizeFilename reduces a producer-supplied name to its final path
// element. Both separators are honored regardless of host OS. Empty results
// fall back to ipc.DefaultFilename.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	switch base {
	case "", ".", "..", "/":
		return ipc.DefaultFilename
	}
	return base
}
