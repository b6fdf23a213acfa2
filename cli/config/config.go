package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pithecene-io/bridge/host"
)

// Adapter types for the observer adapter.
const (
	AdapterNone  = ""
	AdapterRedis = "redis"
)

// Config represents a bridge.yaml configuration file.
// All values are optional and act as defaults for bridge serve flags.
// CLI flags always override config values.
type Config struct {
	Listen         string         `yaml:"listen"`
	LogLevel       string         `yaml:"log_level"`
	InputSubfolder string         `yaml:"input_subfolder"`
	LoadImageClass string         `yaml:"load_image_class"`
	Engine         EngineConfig   `yaml:"engine"`
	Dirs           DirsConfig     `yaml:"dirs"`
	Webhook        WebhookConfig  `yaml:"webhook"`
	Adapter        AdapterConfig  `yaml:"adapter"`
	Pipeline       PipelineConfig `yaml:"pipeline"`
}

// EngineConfig locates the execution engine.
type EngineConfig struct {
	URL     string   `yaml:"url"`
	WSURL   string   `yaml:"ws_url"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// DirsConfig holds the host directories. Unset entries derive from Base.
type DirsConfig struct {
	Base   string `yaml:"base"`
	Temp   string `yaml:"temp"`
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

// WebhookConfig configures result delivery to the producer.
type WebhookConfig struct {
	Mode         string            `yaml:"mode"`
	OutputPrefix string            `yaml:"output_prefix"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Timeout      Duration          `yaml:"timeout,omitempty"`
}

// AdapterConfig configures the optional observer adapter.
type AdapterConfig struct {
	Type    string   `yaml:"type"`
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// PipelineConfig controls the in-process consumer.
type PipelineConfig struct {
	Enabled        *bool `yaml:"enabled,omitempty"`
	RemoveConsumed bool  `yaml:"remove_consumed"`
}

// PipelineEnabled reports whether the in-process pipeline should run.
// Defaults to true when unset.
func (c *Config) PipelineEnabled() bool {
	return c.Pipeline.Enabled == nil || *c.Pipeline.Enabled
}

// HostDirs resolves the directory layout. base is used when the file sets
// no dirs.base.
func (c *Config) HostDirs(base string) *host.Dirs {
	if c.Dirs.Base != "" {
		base = c.Dirs.Base
	}
	d := host.NewDirs(base)
	if c.Dirs.Temp != "" {
		d.Temp = c.Dirs.Temp
	}
	if c.Dirs.Input != "" {
		d.Input = c.Dirs.Input
	}
	if c.Dirs.Output != "" {
		d.Output = c.Dirs.Output
	}
	return d
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Adapter.Type {
	case AdapterNone:
	case AdapterRedis:
		if c.Adapter.URL == "" {
			errs = append(errs, errors.New("adapter.url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("adapter.type: unknown type %q", c.Adapter.Type))
	}
	switch c.Webhook.Mode {
	case "", "auto", "path", "bytes":
	default:
		errs = append(errs, fmt.Errorf("webhook.mode: unknown mode %q", c.Webhook.Mode))
	}
	if c.InputSubfolder != "" && (filepath.IsAbs(c.InputSubfolder) || filepath.Base(c.InputSubfolder) != c.InputSubfolder) {
		errs = append(errs, fmt.Errorf("input_subfolder must be a single relative path element, got %q", c.InputSubfolder))
	}
	return errors.Join(errs...)
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}
