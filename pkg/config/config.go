// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/h264pipe/pkg/bytesource"
	"github.com/user/h264pipe/pkg/orchestrator"
	"github.com/user/h264pipe/pkg/pipeline"
	"github.com/user/h264pipe/pkg/planar"
	"github.com/user/h264pipe/pkg/ports"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid value")

// Backend names a codec channel implementation.
const (
	BackendFFmpeg   = "ffmpeg"
	BackendLoopback = "loopback"
)

// Config represents the full configuration for h264pipe.
type Config struct {
	// Buffers
	BufferSize   int `yaml:"buffer_size"`
	MaxUnitSize  int `yaml:"max_unit_size"`
	MaxFrameSize int `yaml:"max_frame_size"`
	Alignment    int `yaml:"alignment"`

	// Flow control
	Slots      int           `yaml:"slots"`
	StallLimit int           `yaml:"stall_limit"`
	Backoff    BackoffConfig `yaml:"backoff"`

	// Codec
	Codec CodecConfig `yaml:"codec"`

	// Output
	ThumbnailWidth int `yaml:"thumbnail_width"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// BackoffConfig represents the try-again polling policy.
type BackoffConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMs  int `yaml:"delay_ms"`
}

// CodecConfig represents codec channel settings.
type CodecConfig struct {
	Backend    string  `yaml:"backend"`
	FFmpegPath string  `yaml:"ffmpeg_path"`
	QueueDepth int     `yaml:"queue_depth"`
	FPS        float64 `yaml:"fps"`
	Bitrate    int     `yaml:"bitrate"`
	GOP        int     `yaml:"gop"`
	Latency    int     `yaml:"latency"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		BufferSize: bytesource.DefaultBufferSize,
		Alignment:  planar.DefaultAlignment,

		Slots:      pipeline.DefaultSlots,
		StallLimit: pipeline.DefaultStallLimit,
		Backoff: BackoffConfig{
			Attempts: pipeline.DefaultBackoff.Attempts,
			DelayMs:  int(pipeline.DefaultBackoff.Delay / time.Millisecond),
		},

		Codec: CodecConfig{
			Backend:    BackendFFmpeg,
			QueueDepth: 4,
			FPS:        30.0,
			GOP:        60,
		},

		ThumbnailWidth: 320,
		LogLevel:       "info",
	}
}

// Load loads configuration from a YAML file through fs. Fields absent from
// the file keep their default values.
func Load(fs ports.FileSystem, path string) (Config, error) {
	cfg := Defaults()

	data, err := fs.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.BufferSize < bytesource.MinBufferSize:
		return fmt.Errorf("%w: buffer_size must be at least %d", ErrInvalid, bytesource.MinBufferSize)
	case c.MaxUnitSize < 0:
		return fmt.Errorf("%w: max_unit_size must not be negative", ErrInvalid)
	case c.MaxFrameSize < 0:
		return fmt.Errorf("%w: max_frame_size must not be negative", ErrInvalid)
	case c.Alignment <= 0 || c.Alignment&(c.Alignment-1) != 0:
		return fmt.Errorf("%w: alignment must be a power of two", ErrInvalid)
	case c.Slots < 1:
		return fmt.Errorf("%w: slots must be at least 1", ErrInvalid)
	case c.StallLimit < 1:
		return fmt.Errorf("%w: stall_limit must be at least 1", ErrInvalid)
	case c.Backoff.Attempts < 1:
		return fmt.Errorf("%w: backoff.attempts must be at least 1", ErrInvalid)
	case c.Backoff.DelayMs < 1:
		return fmt.Errorf("%w: backoff.delay_ms must be at least 1", ErrInvalid)
	case c.Codec.Backend != BackendFFmpeg && c.Codec.Backend != BackendLoopback:
		return fmt.Errorf("%w: unknown codec backend %q", ErrInvalid, c.Codec.Backend)
	case c.Codec.QueueDepth < 1:
		return fmt.Errorf("%w: codec.queue_depth must be at least 1", ErrInvalid)
	case c.Codec.FPS <= 0:
		return fmt.Errorf("%w: codec.fps must be positive", ErrInvalid)
	}
	if _, err := ports.ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ToOrchestratorConfig converts Config to orchestrator.Config.
func (c Config) ToOrchestratorConfig(input, output string) orchestrator.Config {
	return orchestrator.Config{
		InputPath:  input,
		OutputPath: output,

		Container:      orchestrator.ContainerFor(output),
		ThumbnailWidth: c.ThumbnailWidth,
		FPS:            c.Codec.FPS,

		BufferSize:   c.BufferSize,
		MaxUnitSize:  c.MaxUnitSize,
		MaxFrameSize: c.MaxFrameSize,
		Alignment:    c.Alignment,

		Slots: c.Slots,
		Backoff: pipeline.Backoff{
			Attempts: c.Backoff.Attempts,
			Delay:    time.Duration(c.Backoff.DelayMs) * time.Millisecond,
		},
		StallLimit: c.StallLimit,
	}
}
