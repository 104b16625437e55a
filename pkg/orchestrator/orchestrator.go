// Package orchestrator wires readers, codec channels and sinks into runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ideamans/go-l10n"

	"github.com/user/h264pipe/pkg/adapters/filesink"
	"github.com/user/h264pipe/pkg/adapters/mp4sink"
	"github.com/user/h264pipe/pkg/adapters/nullsink"
	"github.com/user/h264pipe/pkg/adapters/thumbsink"
	"github.com/user/h264pipe/pkg/annexb"
	"github.com/user/h264pipe/pkg/bytesource"
	"github.com/user/h264pipe/pkg/pipeline"
	"github.com/user/h264pipe/pkg/planar"
	"github.com/user/h264pipe/pkg/ports"
)

// Container selects how encoded output is stored.
type Container string

const (
	// ContainerRaw writes an Annex-B elementary stream.
	ContainerRaw Container = "raw"
	// ContainerMP4 writes a fragmented MP4 file.
	ContainerMP4 Container = "mp4"
)

// ContainerFor returns ContainerMP4 for paths ending in .mp4 and ContainerRaw otherwise.
func ContainerFor(path string) Container {
	if strings.EqualFold(filepath.Ext(path), ".mp4") {
		return ContainerMP4
	}
	return ContainerRaw
}

// Config contains the settings for one run.
type Config struct {
	// Input
	InputPath  string
	OutputPath string

	// Raw input geometry (encode only)
	Width  int
	Height int

	// Output
	Container      Container
	ThumbnailPath  string
	ThumbnailWidth int
	FPS            float64

	// Buffers
	BufferSize   int
	MaxUnitSize  int
	MaxFrameSize int
	Alignment    int

	// Flow control
	Slots      int
	Backoff    pipeline.Backoff
	StallLimit int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Container:      ContainerRaw,
		ThumbnailWidth: thumbsink.DefaultWidth,
		FPS:            mp4sink.DefaultFPS,
		BufferSize:     bytesource.DefaultBufferSize,
		Alignment:      planar.DefaultAlignment,
		Slots:          pipeline.DefaultSlots,
		Backoff:        pipeline.DefaultBackoff,
		StallLimit:     pipeline.DefaultStallLimit,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Container == "" {
		c.Container = d.Container
	}
	if c.ThumbnailWidth <= 0 {
		c.ThumbnailWidth = d.ThumbnailWidth
	}
	if c.FPS <= 0 {
		c.FPS = d.FPS
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.Alignment <= 0 {
		c.Alignment = d.Alignment
	}
	if c.Slots <= 0 {
		c.Slots = d.Slots
	}
	if c.Backoff.Attempts <= 0 {
		c.Backoff = d.Backoff
	}
	if c.StallLimit <= 0 {
		c.StallLimit = d.StallLimit
	}
	return c
}

// ChannelFactory creates a codec channel for one run.
type ChannelFactory func() (ports.CodecChannel, error)

// Orchestrator runs demux, decode and encode jobs.
type Orchestrator struct {
	newDecoder ChannelFactory
	newEncoder ChannelFactory
	fs         ports.FileSystem
	logger     ports.Logger
}

// New creates a new Orchestrator.
func New(newDecoder, newEncoder ChannelFactory, fs ports.FileSystem, logger ports.Logger) *Orchestrator {
	return &Orchestrator{
		newDecoder: newDecoder,
		newEncoder: newEncoder,
		fs:         fs,
		logger:     logger,
	}
}

// RunResult contains the counters of a finished run.
type RunResult struct {
	// Input side
	UnitsRead  int
	FramesRead int
	BytesRead  int64
	Refills    int

	// Flow control
	Submitted    int
	Backpressure int
	TryAgain     int

	// Output side
	UnitsWritten int
	Headers      int
	BytesWritten int64
	Format       ports.FrameFormat
	Thumbnail    bool
}

// UnitInfo describes one demultiplexed unit.
type UnitInfo struct {
	Index int
	Size  int
	Type  byte
}

// Demux reads the input stream and reports every unit to fn.
func (o *Orchestrator) Demux(ctx context.Context, config Config, fn func(UnitInfo)) (RunResult, error) {
	config = config.withDefaults()
	r, err := o.openUnits(config)
	if err != nil {
		return RunResult{}, err
	}
	defer r.Close()

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		unit, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			o.logger.Error(l10n.F("Failed to read unit %d: %s", i, err))
			return RunResult{}, fmt.Errorf("demux: %w", err)
		}

		info := UnitInfo{Index: i, Size: len(unit)}
		if len(unit) > 0 {
			info.Type = unit[0] & 0x1F
		}
		fn(info)
	}

	st := r.Stats()
	o.logger.Info(l10n.F("Read %d units (%d bytes)", st.Units, st.Bytes))
	return RunResult{UnitsRead: st.Units, BytesRead: st.Bytes, Refills: st.Refills}, nil
}

// Decode feeds the input stream through a decoder and writes raw frames.
func (o *Orchestrator) Decode(ctx context.Context, config Config) (RunResult, error) {
	config = config.withDefaults()
	o.logger.Info(l10n.F("Decoding %s", config.InputPath))

	r, err := o.openUnits(config)
	if err != nil {
		return RunResult{}, err
	}
	defer r.Close()

	// Without an output path the stream is only validated.
	var out ports.UnitSink = nullsink.New()
	if config.OutputPath != "" {
		out, err = filesink.Create(o.fs, config.OutputPath)
		if err != nil {
			o.logger.Error(l10n.F("Failed to create output: %s", err))
			return RunResult{}, fmt.Errorf("create output: %w", err)
		}
	}
	sink := out
	var thumb *thumbsink.Sink
	if config.ThumbnailPath != "" {
		thumb = thumbsink.New(out, o.fs, config.ThumbnailPath, config.ThumbnailWidth)
		sink = thumb
	}

	ch, err := o.newDecoder()
	if err != nil {
		sink.Close()
		o.discardOutputs(config)
		return RunResult{}, fmt.Errorf("create decoder: %w", err)
	}

	p, err := o.run(ctx, config, ch, sink, pipeline.UnitSource(r))
	if err != nil {
		return RunResult{}, err
	}

	st := r.Stats()
	result := o.result(p)
	result.UnitsRead = st.Units
	result.BytesRead = st.Bytes
	result.Refills = st.Refills
	result.Thumbnail = thumb != nil && thumb.Saved()

	o.logger.Info(l10n.F("Decoded %d units into %d frames", result.UnitsRead, result.UnitsWritten))
	if result.UnitsWritten == 0 {
		o.logger.Warn(l10n.T("Decoder produced no frames"))
	}
	return result, nil
}

// Encode feeds raw I420 frames through an encoder and writes the stream.
func (o *Orchestrator) Encode(ctx context.Context, config Config) (RunResult, error) {
	config = config.withDefaults()
	o.logger.Info(l10n.F("Encoding %s (%dx%d)", config.InputPath, config.Width, config.Height))

	in, err := o.fs.Open(config.InputPath)
	if err != nil {
		o.logger.Error(l10n.F("Failed to open input: %s", err))
		return RunResult{}, fmt.Errorf("%w: %s: %w", planar.ErrOpen, config.InputPath, err)
	}
	fr := planar.NewReader(in, config.Width, config.Height,
		planar.WithAlignment(config.Alignment),
		planar.WithMaxFrameSize(config.MaxFrameSize),
	)
	defer fr.Close()

	frame, err := fr.Alloc()
	if err != nil {
		return RunResult{}, fmt.Errorf("allocate frame: %w", err)
	}

	var sink ports.UnitSink
	switch config.Container {
	case ContainerMP4:
		sink, err = mp4sink.Create(o.fs, config.OutputPath, config.FPS)
	default:
		sink, err = filesink.Create(o.fs, config.OutputPath)
	}
	if err != nil {
		o.logger.Error(l10n.F("Failed to create output: %s", err))
		return RunResult{}, fmt.Errorf("create output: %w", err)
	}

	ch, err := o.newEncoder()
	if err != nil {
		sink.Close()
		o.discardOutputs(config)
		return RunResult{}, fmt.Errorf("create encoder: %w", err)
	}

	p, err := o.run(ctx, config, ch, sink, pipeline.FrameSource(fr, frame, o.logger))
	if err != nil {
		return RunResult{}, err
	}

	result := o.result(p)
	result.FramesRead = fr.FramesRead()
	o.logger.Info(l10n.F("Encoded %d frames into %d units", result.FramesRead, result.UnitsWritten))
	return result, nil
}

// run drives one pipeline to completion and releases ch and sink.
func (o *Orchestrator) run(ctx context.Context, config Config, ch ports.CodecChannel, sink ports.UnitSink, src pipeline.InputSource) (*pipeline.Pipeline, error) {
	p := pipeline.New(ch, sink,
		pipeline.WithSlots(config.Slots),
		pipeline.WithBackoff(config.Backoff),
		pipeline.WithStallLimit(config.StallLimit),
		pipeline.WithLogger(o.logger),
	)

	runErr := pipeline.Run(ctx, src, p)
	closeErr := p.Close()
	sinkErr := sink.Close()

	if runErr != nil {
		o.logger.Error(l10n.F("Pipeline failed: %s", runErr))
		o.discardOutputs(config)
		return nil, fmt.Errorf("run pipeline: %w", runErr)
	}
	if closeErr != nil {
		o.discardOutputs(config)
		return nil, fmt.Errorf("close channel: %w", closeErr)
	}
	if sinkErr != nil {
		o.logger.Error(l10n.F("Failed to write output: %s", sinkErr))
		o.discardOutputs(config)
		return nil, fmt.Errorf("write output: %w", sinkErr)
	}

	st := p.Stats()
	o.logger.Debug("Submitted %d, backpressure %d, try-again %d", st.Submitted, st.Backpressure, st.TryAgain)
	return p, nil
}

// discardOutputs removes whatever a failed run left behind, so a failure
// never looks like a shorter successful output.
func (o *Orchestrator) discardOutputs(config Config) {
	for _, path := range []string{config.OutputPath, config.ThumbnailPath} {
		if path == "" {
			continue
		}
		exists, err := o.fs.Exists(path)
		if err != nil || !exists {
			continue
		}
		if err := o.fs.Remove(path); err != nil {
			o.logger.Warn(l10n.F("Failed to remove partial output %s: %s", path, err))
			continue
		}
		o.logger.Debug("Removed partial output %s", path)
	}
}

func (o *Orchestrator) result(p *pipeline.Pipeline) RunResult {
	st := p.Stats()
	f, _ := p.Format()
	return RunResult{
		Submitted:    st.Submitted,
		Backpressure: st.Backpressure,
		TryAgain:     st.TryAgain,
		UnitsWritten: st.Units,
		Headers:      st.Headers,
		BytesWritten: st.Bytes,
		Format:       f,
	}
}

func (o *Orchestrator) openUnits(config Config) (*annexb.Reader, error) {
	in, err := o.fs.Open(config.InputPath)
	if err != nil {
		o.logger.Error(l10n.F("Failed to open input: %s", err))
		return nil, fmt.Errorf("%w: %s: %w", bytesource.ErrOpen, config.InputPath, err)
	}

	r, err := annexb.NewReaderFrom(in,
		annexb.WithBufferSize(config.BufferSize),
		annexb.WithMaxUnitSize(config.MaxUnitSize),
		annexb.WithLogger(o.logger),
	)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return r, nil
}
