// Package webhook delivers results to the producer's HTTP endpoint.
//
// A result goes to POST {target}/update_image with the X-Item-Name header.
// Loopback targets share the host filesystem, so the image is saved to the
// output directory and only its path is sent as JSON. Remote targets receive
// the PNG bytes. There is no retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pithecene-io/bridge/adapter"
	"github.com/pithecene-io/bridge/host"
	"github.com/pithecene-io/bridge/iox"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultOutputPrefix names saved result files in path mode.
const DefaultOutputPrefix = "bridge_output"

// UpdatePath is appended to the target address.
const UpdatePath = "/update_image"

// Item name headers. The legacy name is sent too so older producer add-ons
// keep working.
const (
	HeaderItemName       = "X-Item-Name"
	HeaderLegacyItemName = "X-Blender-Image-Name"
)

// Mode selects how the image travels.
type Mode string

// Delivery modes.
const (
	// ModeAuto sends a path to loopback targets and bytes to everything else.
	ModeAuto Mode = "auto"
	// ModePath always saves locally and sends the path.
	ModePath Mode = "path"
	// ModeBytes always sends PNG bytes.
	ModeBytes Mode = "bytes"
)

// ErrNoImage is returned for events without an image.
var ErrNoImage = errors.New("webhook: event has no image")

// Config configures the webhook adapter.
type Config struct {
	// Paths provides the output directory for path mode.
	Paths host.Paths
	// Mode defaults to ModeAuto.
	Mode Mode
	// OutputPrefix defaults to DefaultOutputPrefix.
	OutputPrefix string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
}

// Adapter posts results to the event's target address.
type Adapter struct {
	config Config
	client *http.Client
}

// New creates a webhook adapter from the given config.
func New(cfg Config) (*Adapter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = DefaultOutputPrefix
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeAuto
	case ModeAuto, ModePath, ModeBytes:
	default:
		return nil, fmt.Errorf("webhook: unknown mode %q", cfg.Mode)
	}
	if cfg.Mode == ModePath && cfg.Paths == nil {
		return nil, errors.New("webhook: path mode requires host paths")
	}

	return &Adapter{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsLoopback reports whether target addresses this host.
func IsLoopback(target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return strings.Contains(target, "127.0.0.1") || strings.Contains(target, "localhost")
	}
	h := u.Hostname()
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func (a *Adapter) usePath(target string) bool {
	switch a.config.Mode {
	case ModePath:
		return true
	case ModeBytes:
		return false
	default:
		return a.config.Paths != nil && IsLoopback(target)
	}
}

// Publish delivers the event's image to its target.
func (a *Adapter) Publish(ctx context.Context, event *adapter.ResultEvent) error {
	if event.TargetAddress == "" || event.ResultName == "" {
		return errors.New("webhook: event has no target")
	}
	if event.Image == nil {
		return ErrNoImage
	}

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, event.Image.NRGBA()); err != nil {
		return fmt.Errorf("webhook: encode png: %w", err)
	}

	var (
		body        []byte
		contentType string
	)
	if a.usePath(event.TargetAddress) {
		path, err := a.save(encoded.Bytes())
		if err != nil {
			return err
		}
		body, err = json.Marshal(map[string]string{"image_path": path})
		if err != nil {
			return fmt.Errorf("webhook: marshal body: %w", err)
		}
		contentType = "application/json"
	} else {
		body = encoded.Bytes()
		contentType = "image/png"
	}

	if err := a.doRequest(ctx, event, body, contentType); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func (a *Adapter) save(data []byte) (string, error) {
	path, err := a.config.Paths.SavePath(a.config.OutputPrefix)
	if err != nil {
		return "", fmt.Errorf("webhook: output path: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("webhook: save result: %w", err)
	}
	return path, nil
}

// doRequest performs a single HTTP POST and returns nil on 200.
func (a *Adapter) doRequest(ctx context.Context, event *adapter.ResultEvent, body []byte, contentType string) error {
	endpoint := strings.TrimRight(event.TargetAddress, "/") + UpdatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderItemName, event.ResultName)
	req.Header.Set(HeaderLegacyItemName, event.ResultName)
	for k, v := range a.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
