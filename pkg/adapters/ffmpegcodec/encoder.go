package ffmpegcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/user/h264pipe/pkg/annexb"
	"github.com/user/h264pipe/pkg/ports"
)

// DefaultFPS is the input frame rate used when none is configured.
const DefaultFPS = 30.0

// DefaultGOP is the keyframe interval used when none is configured.
const DefaultGOP = 60

// EncoderConfig configures an Encoder.
type EncoderConfig struct {
	// FFmpegPath overrides the ffmpeg lookup.
	FFmpegPath string

	// QueueDepth bounds queued frames. Zero selects DefaultQueueDepth.
	QueueDepth int

	FPS float64

	// Bitrate in kbps. Zero lets x264 pick by CRF.
	Bitrate int

	// GOP is the keyframe interval in frames.
	GOP int

	Logger ports.Logger
}

// Encoder turns packed I420 frames into H.264 units with libx264.
//
// The picture size is taken from the first frame. Parameter sets are held
// back from the unit stream and served through Header, so the pipeline can
// place them ahead of every keyframe.
type Encoder struct {
	*process
	cfg EncoderConfig

	hdrMu  sync.Mutex
	sps    []byte
	pps    []byte
	format ports.FrameFormat
}

// NewEncoder creates an Encoder. The process starts on the first frame.
func NewEncoder(cfg EncoderConfig) *Encoder {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.GOP <= 0 {
		cfg.GOP = DefaultGOP
	}
	var logger ports.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.WithComponent("ffmpeg-encode")
	}
	return &Encoder{
		process: newProcess(cfg.FFmpegPath, cfg.QueueDepth, logger),
		cfg:     cfg,
	}
}

func encodeArgs(cfg EncoderConfig, f ports.FrameFormat) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", f.Width, f.Height),
		"-r", strconv.FormatFloat(cfg.FPS, 'f', -1, 64),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "fast",
		"-g", strconv.Itoa(cfg.GOP),
		"-bf", "0",
	}
	if cfg.Bitrate > 0 {
		args = append(args, "-b:v", fmt.Sprintf("%dk", cfg.Bitrate))
	} else {
		args = append(args, "-crf", "23")
	}
	return append(args, "-f", "h264", "pipe:1")
}

// Enqueue queues one packed frame for the encoder.
func (e *Encoder) Enqueue(task *ports.Task) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.failure(); err != nil {
		return err
	}
	if !e.started && !task.EOS && task.Format.IsZero() {
		return ErrNoGeometry
	}

	if !e.started && task.EOS {
		e.finishEmpty(task.Slot)
		return nil
	}

	if err := e.offer(job{task: task}); err != nil {
		return err
	}

	if !e.started {
		e.format = task.Format
		if err := e.start(encodeArgs(e.cfg, task.Format)); err != nil {
			return err
		}
		e.wg.Add(1)
		go e.readLoop()
	}
	return nil
}

// readLoop splits the process output into units. Units that precede a
// picture are delivered with it, and the first unit of an IDR picture is
// flagged as a keyframe.
func (e *Encoder) readLoop() {
	defer e.wg.Done()

	r, err := annexb.NewReaderFrom(e.stdout, annexb.WithBufferSize(1<<20), annexb.WithLogger(e.log))
	if err != nil {
		e.fail(fmt.Errorf("%w: %w", ErrProcess, err))
		return
	}

	var pending []ports.Unit
	for {
		nalu, err := r.Next()
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 && !e.emit(&ports.Completion{Slot: ports.NoSlot, Units: pending}) {
				return
			}
			e.finish()
			return
		}
		if err != nil {
			e.fail(fmt.Errorf("%w: %w", ErrProcess, err))
			return
		}
		if len(nalu) == 0 {
			continue
		}

		typ := h264.NALUType(nalu[0] & 0x1F)
		switch typ {
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			e.setParameterSet(typ, nalu)
			continue
		}

		pending = append(pending, ports.Unit{Data: withStartCode(nalu)})
		if typ != h264.NALUTypeIDR && typ != h264.NALUTypeNonIDR {
			continue
		}

		pending[0].Keyframe = typ == h264.NALUTypeIDR
		if !e.emit(&ports.Completion{Slot: ports.NoSlot, Units: pending}) {
			return
		}
		pending = nil
	}
}

func withStartCode(nalu []byte) []byte {
	out := make([]byte, 0, len(startCode)+len(nalu))
	out = append(out, startCode...)
	return append(out, nalu...)
}

func (e *Encoder) setParameterSet(typ h264.NALUType, nalu []byte) {
	e.hdrMu.Lock()
	defer e.hdrMu.Unlock()
	if typ == h264.NALUTypeSPS {
		e.sps = bytes.Clone(nalu)
	} else {
		e.pps = bytes.Clone(nalu)
	}
}

// Header returns the latest SPS and PPS as an Annex-B sequence, or nil
// before both were produced.
func (e *Encoder) Header() []byte {
	e.hdrMu.Lock()
	defer e.hdrMu.Unlock()
	if e.sps == nil || e.pps == nil {
		return nil
	}
	buf, err := h264.AnnexB{e.sps, e.pps}.Marshal()
	if err != nil {
		return nil
	}
	return buf
}

// Format returns the picture format of the first frame.
func (e *Encoder) Format() ports.FrameFormat { return e.format }

// Dequeue returns the next completion or ports.ErrTryAgain.
func (e *Encoder) Dequeue() (*ports.Completion, error) {
	return e.dequeue()
}

// Release is a no-op: encoded units are allocated per completion.
func (e *Encoder) Release(*ports.Completion) {}

// Close stops the process.
func (e *Encoder) Close() error {
	return e.close()
}

var (
	_ ports.CodecChannel   = (*Encoder)(nil)
	_ ports.HeaderProvider = (*Encoder)(nil)
)
