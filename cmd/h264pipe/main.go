// Package main provides the CLI entry point for h264pipe.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/google/uuid"
	"github.com/ideamans/go-l10n"

	"github.com/user/h264pipe/pkg/adapters/ffmpegcodec"
	"github.com/user/h264pipe/pkg/adapters/logger"
	"github.com/user/h264pipe/pkg/adapters/loopback"
	"github.com/user/h264pipe/pkg/adapters/osfilesystem"
	"github.com/user/h264pipe/pkg/config"
	"github.com/user/h264pipe/pkg/orchestrator"
	"github.com/user/h264pipe/pkg/ports"
)

// Globals are flags shared by all subcommands.
type Globals struct {
	Config   string `short:"c" help:"YAML configuration file." type:"path"`
	LogLevel string `short:"l" help:"Log level (debug, info, warn, error)."`
	Quiet    bool   `short:"Q" help:"Suppress all log output."`
	Summary  string `short:"s" help:"Write a Markdown run summary to this file (- for stdout)."`

	// Overrides
	BufferSize *int   `help:"Working buffer size in bytes."`
	Slots      *int   `help:"Number of in-flight submissions."`
	Backend    string `short:"b" help:"Codec backend (ffmpeg, loopback)."`
	FFmpegPath string `help:"Path to ffmpeg executable (falls back to FFMPEG_PATH env, then PATH)."`
}

// CLI defines the command-line interface with subcommands.
type CLI struct {
	Globals

	Demux   DemuxCmd   `cmd:"" help:"List the units of an Annex-B stream."`
	Decode  DecodeCmd  `cmd:"" help:"Decode an Annex-B stream into raw NV12 frames."`
	Encode  EncodeCmd  `cmd:"" help:"Encode raw I420 frames into H.264."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// DemuxCmd defines the demux subcommand.
type DemuxCmd struct {
	Input string `arg:"" type:"path" help:"Annex-B input file."`
}

// DecodeCmd defines the decode subcommand.
type DecodeCmd struct {
	Input  string `arg:"" type:"path" help:"Annex-B input file."`
	Output string `arg:"" optional:"" type:"path" help:"Raw NV12 output file (omit to only validate the stream)."`

	Thumbnail      string `short:"t" type:"path" help:"Save a PNG of the first frame."`
	ThumbnailWidth *int   `help:"Thumbnail width in pixels (default: 320)."`
}

// EncodeCmd defines the encode subcommand.
type EncodeCmd struct {
	Input  string `arg:"" type:"path" help:"Raw I420 input file."`
	Output string `arg:"" type:"path" help:"Output file (.mp4 selects the MP4 container)."`

	Width     int    `short:"W" required:"" help:"Frame width in pixels."`
	Height    int    `short:"H" required:"" help:"Frame height in pixels."`
	Container string `default:"auto" enum:"auto,raw,mp4" help:"Output container (auto, raw, mp4)."`

	FPS     *float64 `help:"Input frame rate (default: 30)."`
	Bitrate *int     `help:"Target bitrate in kbps (0 = constant quality)."`
	GOP     *int     `help:"Keyframe interval in frames (default: 60)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

var version = "dev"

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("h264pipe"),
		kong.Description("Feed H.264 streams and raw frames through a bounded codec channel."),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// session holds what every job needs: configuration, logger and a
// context cancelled on SIGINT or SIGTERM.
type session struct {
	id      string
	cfg     config.Config
	log     ports.Logger
	fs      ports.FileSystem
	orch    *orchestrator.Orchestrator
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	summary string
}

// newSession loads the configuration, applies the global flags and then
// override, and validates the result.
func newSession(g *Globals, override func(*config.Config)) (*session, error) {
	fs := osfilesystem.New()

	cfg := config.Defaults()
	if g.Config != "" {
		loaded, err := config.Load(fs, g.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	g.apply(&cfg)
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := newLogger(g, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Warn(l10n.T("Interrupted, shutting down..."))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	id := uuid.New().String()
	log.Debug(l10n.F("Session %s", id))

	return &session{
		id:      id,
		cfg:     cfg,
		log:     log,
		fs:      fs,
		orch:    orchestrator.New(decoderFactory(cfg, log), encoderFactory(cfg, log), fs, log),
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
		summary: g.Summary,
	}, nil
}

func (g *Globals) apply(cfg *config.Config) {
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.BufferSize != nil {
		cfg.BufferSize = *g.BufferSize
	}
	if g.Slots != nil {
		cfg.Slots = *g.Slots
	}
	if g.Backend != "" {
		cfg.Codec.Backend = g.Backend
	}
	if g.FFmpegPath != "" {
		cfg.Codec.FFmpegPath = g.FFmpegPath
	}
}

func newLogger(g *Globals, cfg config.Config) ports.Logger {
	if g.Quiet {
		return logger.Discard
	}
	level, err := ports.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = ports.LevelInfo
	}
	return logger.NewConsole(level)
}

func decoderFactory(cfg config.Config, log ports.Logger) orchestrator.ChannelFactory {
	if cfg.Codec.Backend == config.BackendLoopback {
		return func() (ports.CodecChannel, error) {
			return loopback.New(loopback.Config{
				Mode:       loopback.Decode,
				QueueDepth: cfg.Codec.QueueDepth,
				Latency:    cfg.Codec.Latency,
			}), nil
		}
	}
	return func() (ports.CodecChannel, error) {
		if _, err := ffmpegcodec.FindFFmpeg(cfg.Codec.FFmpegPath); err != nil {
			return nil, err
		}
		return ffmpegcodec.NewDecoder(ffmpegcodec.DecoderConfig{
			FFmpegPath: cfg.Codec.FFmpegPath,
			QueueDepth: cfg.Codec.QueueDepth,
			Logger:     log,
		}), nil
	}
}

func encoderFactory(cfg config.Config, log ports.Logger) orchestrator.ChannelFactory {
	if cfg.Codec.Backend == config.BackendLoopback {
		return func() (ports.CodecChannel, error) {
			return loopback.New(loopback.Config{
				Mode:       loopback.Encode,
				QueueDepth: cfg.Codec.QueueDepth,
				Latency:    cfg.Codec.Latency,
				GOP:        cfg.Codec.GOP,
			}), nil
		}
	}
	return func() (ports.CodecChannel, error) {
		if _, err := ffmpegcodec.FindFFmpeg(cfg.Codec.FFmpegPath); err != nil {
			return nil, err
		}
		return ffmpegcodec.NewEncoder(ffmpegcodec.EncoderConfig{
			FFmpegPath: cfg.Codec.FFmpegPath,
			QueueDepth: cfg.Codec.QueueDepth,
			FPS:        cfg.Codec.FPS,
			Bitrate:    cfg.Codec.Bitrate,
			GOP:        cfg.Codec.GOP,
			Logger:     log,
		}), nil
	}
}

// Run executes the demux command.
func (cmd *DemuxCmd) Run(g *Globals) error {
	s, err := newSession(g, nil)
	if err != nil {
		return err
	}
	defer s.cancel()

	oc := s.cfg.ToOrchestratorConfig(cmd.Input, "")
	result, err := s.orch.Demux(s.ctx, oc, func(info orchestrator.UnitInfo) {
		fmt.Printf("%6d %10d  %s\n", info.Index, info.Size, h264.NALUType(info.Type))
	})
	if err != nil {
		return err
	}
	return s.writeSummary("demux", oc, result)
}

// Run executes the decode command.
func (cmd *DecodeCmd) Run(g *Globals) error {
	s, err := newSession(g, nil)
	if err != nil {
		return err
	}
	defer s.cancel()

	oc := s.cfg.ToOrchestratorConfig(cmd.Input, cmd.Output)
	oc.ThumbnailPath = cmd.Thumbnail
	if cmd.ThumbnailWidth != nil {
		oc.ThumbnailWidth = *cmd.ThumbnailWidth
	}

	result, err := s.orch.Decode(s.ctx, oc)
	if err != nil {
		return err
	}

	if cmd.Output != "" {
		s.log.Info(l10n.F("Output saved to %s", cmd.Output))
	}
	if !result.Format.IsZero() {
		s.log.Info(l10n.F("Frame size %dx%d", result.Format.Width, result.Format.Height))
	}
	if result.Thumbnail {
		s.log.Info(l10n.F("Thumbnail saved to %s", cmd.Thumbnail))
	}
	return s.writeSummary("decode", oc, result)
}

// Run executes the encode command.
func (cmd *EncodeCmd) Run(g *Globals) error {
	s, err := newSession(g, func(cfg *config.Config) {
		if cmd.FPS != nil {
			cfg.Codec.FPS = *cmd.FPS
		}
		if cmd.Bitrate != nil {
			cfg.Codec.Bitrate = *cmd.Bitrate
		}
		if cmd.GOP != nil {
			cfg.Codec.GOP = *cmd.GOP
		}
	})
	if err != nil {
		return err
	}
	defer s.cancel()

	oc := s.cfg.ToOrchestratorConfig(cmd.Input, cmd.Output)
	oc.Width = cmd.Width
	oc.Height = cmd.Height
	if cmd.Container != "auto" {
		oc.Container = orchestrator.Container(cmd.Container)
	}

	s.log.Info(l10n.F("Encoding %dx%d at %.2f fps", cmd.Width, cmd.Height, s.cfg.Codec.FPS))
	result, err := s.orch.Encode(s.ctx, oc)
	if err != nil {
		return err
	}

	s.log.Info(l10n.F("Output saved to %s", cmd.Output))
	s.log.Debug("Wrote %d units, %d bytes", result.UnitsWritten, result.BytesWritten)
	return s.writeSummary("encode", oc, result)
}

// Run executes the version command.
func (cmd *VersionCmd) Run() error {
	fmt.Println(l10n.F("h264pipe version %s", version))
	return nil
}
