// Package loopback provides an in-memory codec channel.
//
// The channel does no compression. In Decode mode every submitted unit comes
// back re-framed with a start code, so the output stream equals the input
// stream. In Encode mode every packed frame comes back as one unit behind a
// start code. Queue depth and try-again latency are configurable, which makes
// the channel a stand-in for a hardware codec when no device is present.
package loopback

import (
	"errors"
	"fmt"

	"github.com/user/h264pipe/pkg/annexb"
	"github.com/user/h264pipe/pkg/ports"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("loopback: channel closed")

// Mode selects what the channel emits.
type Mode int

const (
	// Decode emits each unit back as an Annex-B unit.
	Decode Mode = iota
	// Encode emits each raw frame as one unit.
	Encode
)

// DefaultQueueDepth is the number of tasks the channel holds before it is full.
const DefaultQueueDepth = 4

// Config configures a Channel.
type Config struct {
	Mode Mode

	// QueueDepth bounds pending tasks. Zero selects DefaultQueueDepth.
	QueueDepth int

	// Latency is the number of try-again answers before each completion.
	Latency int

	// Format, when non-zero, is announced with the first completion.
	Format ports.FrameFormat

	// GOP marks every GOP-th encoded frame as a keyframe. Zero marks only the first.
	GOP int

	// Header is returned by Header.
	Header []byte
}

// Channel is an in-memory ports.CodecChannel.
type Channel struct {
	cfg Config

	pending   []*ports.Task
	wait      int
	announced bool
	frames    int

	configured *ports.FrameFormat
	released   int
	closed     bool
}

// New creates a loopback channel.
func New(cfg Config) *Channel {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Channel{cfg: cfg}
}

// Enqueue queues task, or returns ports.ErrChannelFull when QueueDepth
// tasks are already pending.
func (c *Channel) Enqueue(task *ports.Task) error {
	if c.closed {
		return ErrClosed
	}
	if len(c.pending) >= c.cfg.QueueDepth {
		return ports.ErrChannelFull
	}
	c.pending = append(c.pending, task)
	return nil
}

// Dequeue completes the oldest pending task after Latency try-again answers.
func (c *Channel) Dequeue() (*ports.Completion, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}
	if c.wait < c.cfg.Latency {
		c.wait++
		return nil, ports.ErrTryAgain
	}
	c.wait = 0

	task := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]

	done := &ports.Completion{Slot: task.Slot}
	if !c.announced && !c.cfg.Format.IsZero() {
		f := c.cfg.Format
		done.Format = &f
		c.announced = true
	}

	if task.EOS {
		done.EOS = true
		return done, nil
	}

	unit := ports.Unit{Data: frame(task.Output, task.Input)}
	if c.cfg.Mode == Encode {
		unit.Keyframe = c.frames == 0 || (c.cfg.GOP > 0 && c.frames%c.cfg.GOP == 0)
		c.frames++
	}
	done.Units = []ports.Unit{unit}
	return done, nil
}

// frame writes a start code and payload into out, allocating when out is too small.
func frame(out, payload []byte) []byte {
	need := len(annexb.StartCode) + len(payload)
	if len(out) < need {
		out = make([]byte, need)
	}
	n := copy(out, annexb.StartCode)
	copy(out[n:], payload)
	return out[:need]
}

// Release counts returned completions.
func (c *Channel) Release(*ports.Completion) {
	c.released++
}

// Close stops the channel and drops pending tasks.
func (c *Channel) Close() error {
	c.closed = true
	c.pending = nil
	return nil
}

// ConfigureOutputPool records the announced geometry. Only Decode mode
// produces frames that need a pool.
func (c *Channel) ConfigureOutputPool(f ports.FrameFormat) error {
	if c.cfg.Mode != Decode {
		return fmt.Errorf("loopback: output pool requested in encode mode")
	}
	c.configured = &f
	return nil
}

// Header returns the configured stream header.
func (c *Channel) Header() []byte {
	return c.cfg.Header
}

// Pending returns the number of queued tasks.
func (c *Channel) Pending() int { return len(c.pending) }

// Released returns the number of released completions.
func (c *Channel) Released() int { return c.released }

// Configured returns the geometry passed to ConfigureOutputPool, if any.
func (c *Channel) Configured() (ports.FrameFormat, bool) {
	if c.configured == nil {
		return ports.FrameFormat{}, false
	}
	return *c.configured, true
}

var (
	_ ports.CodecChannel   = (*Channel)(nil)
	_ ports.PoolConfigurer = (*Channel)(nil)
	_ ports.HeaderProvider = (*Channel)(nil)
)
