package ffmpegcodec

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/user/h264pipe/pkg/ports"
)

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	// FFmpegPath overrides the ffmpeg lookup.
	FFmpegPath string

	// QueueDepth bounds queued units. Zero selects DefaultQueueDepth.
	QueueDepth int

	Logger ports.Logger
}

// Decoder turns Annex-B units into NV12 frames.
//
// The picture size is read from the first SPS unit and announced with that
// unit's completion. Frames are read into a pool allocated by
// ConfigureOutputPool and return to it on Release.
type Decoder struct {
	*process

	fmtMu  sync.Mutex
	format *ports.FrameFormat

	pool  chan []byte
	ready chan struct{}
	once  sync.Once
}

// NewDecoder creates a Decoder. The process starts on the first Enqueue.
func NewDecoder(cfg DecoderConfig) *Decoder {
	var logger ports.Logger
	if cfg.Logger != nil {
		logger = cfg.Logger.WithComponent("ffmpeg-decode")
	}
	return &Decoder{
		process: newProcess(cfg.FFmpegPath, cfg.QueueDepth, logger),
		ready:   make(chan struct{}),
	}
}

func decodeArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"pipe:1",
	}
}

// Enqueue queues one unit for the decoder.
func (d *Decoder) Enqueue(task *ports.Task) error {
	if d.isClosed() {
		return ErrClosed
	}
	if err := d.failure(); err != nil {
		return err
	}

	if !d.started && task.EOS {
		d.finishEmpty(task.Slot)
		return nil
	}

	j := job{task: task}
	if !task.EOS {
		f, err := d.announce(task.Input)
		if err != nil {
			return err
		}
		j.format = f
	}

	if err := d.offer(j); err != nil {
		return err
	}

	if !d.started {
		if err := d.start(decodeArgs()); err != nil {
			return err
		}
		d.wg.Add(1)
		go d.readLoop()
	}
	return nil
}

// announce returns the picture format the first time an SPS unit is seen.
func (d *Decoder) announce(unit []byte) (*ports.FrameFormat, error) {
	if len(unit) == 0 || h264.NALUType(unit[0]&0x1F) != h264.NALUTypeSPS {
		return nil, nil
	}
	d.fmtMu.Lock()
	defer d.fmtMu.Unlock()
	if d.format != nil {
		return nil, nil
	}

	f, err := spsFormat(unit)
	if err != nil {
		return nil, err
	}
	d.format = &f
	d.debug("Picture size %dx%d", f.Width, f.Height)
	return &f, nil
}

func (d *Decoder) currentFormat() *ports.FrameFormat {
	d.fmtMu.Lock()
	defer d.fmtMu.Unlock()
	return d.format
}

// spsFormat returns the NV12 frame format for the picture an SPS describes.
func spsFormat(unit []byte) (ports.FrameFormat, error) {
	var sps h264.SPS
	if err := sps.Unmarshal(unit); err != nil {
		return ports.FrameFormat{}, fmt.Errorf("parse SPS: %w", err)
	}
	w, h := sps.Width(), sps.Height()
	if w <= 0 || h <= 0 {
		return ports.FrameFormat{}, fmt.Errorf("parse SPS: invalid size %dx%d", w, h)
	}
	return ports.FrameFormat{Width: w, Height: h, HorStride: w, VerStride: h}, nil
}

// ConfigureOutputPool allocates the frame pool and lets frames flow.
func (d *Decoder) ConfigureOutputPool(f ports.FrameFormat) error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("ffmpegcodec: invalid output size %dx%d", f.Width, f.Height)
	}
	d.once.Do(func() {
		n := d.depth + 2
		d.pool = make(chan []byte, n)
		size := f.NV12Size()
		for i := 0; i < n; i++ {
			d.pool <- make([]byte, size)
		}
		d.debug("Frame pool of %d x %d bytes", n, size)
		close(d.ready)
	})
	return nil
}

func (d *Decoder) readLoop() {
	defer d.wg.Done()

	select {
	case <-d.ready:
	case <-d.quit:
		return
	case slot := <-d.eos:
		d.eos <- slot
		if d.currentFormat() == nil {
			// stream ended before any SPS: nothing to decode
			io.Copy(io.Discard, d.stdout)
			d.finish()
			return
		}
		// input ended but frames are still owed once the pool exists
		select {
		case <-d.ready:
		case <-d.quit:
			return
		}
	}

	f := d.currentFormat()
	if f == nil {
		d.fail(ErrNoGeometry)
		return
	}

	for {
		var buf []byte
		select {
		case buf = <-d.pool:
		case <-d.quit:
			return
		}

		if _, err := io.ReadFull(d.stdout, buf); err != nil {
			if errors.Is(err, io.EOF) {
				d.finish()
				return
			}
			d.fail(fmt.Errorf("%w: read frame: %w", ErrProcess, err))
			return
		}

		c := &ports.Completion{
			Slot:  ports.NoSlot,
			Units: []ports.Unit{{Data: buf, Format: *f}},
		}
		if !d.emit(c) {
			return
		}
	}
}

// Dequeue returns the next completion or ports.ErrTryAgain.
func (d *Decoder) Dequeue() (*ports.Completion, error) {
	return d.dequeue()
}

// Release returns a frame buffer to the pool.
func (d *Decoder) Release(c *ports.Completion) {
	if c == nil || c.Slot != ports.NoSlot || len(c.Units) != 1 || d.pool == nil {
		return
	}
	select {
	case d.pool <- c.Units[0].Data:
	default:
	}
}

// Close stops the process.
func (d *Decoder) Close() error {
	return d.close()
}

var (
	_ ports.CodecChannel   = (*Decoder)(nil)
	_ ports.PoolConfigurer = (*Decoder)(nil)
)
