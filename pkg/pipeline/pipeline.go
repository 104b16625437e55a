// Package pipeline implements the submit/drain protocol used to feed a
// bounded codec channel.
//
// A Pipeline owns a fixed ring of slots. Each accepted submission occupies
// the current slot until the channel reports its completion through Drain.
// A submission that would reuse a busy slot, or that the channel rejects as
// full, returns Backpressure: the caller must drain and retry the same input.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/h264pipe/pkg/planar"
	"github.com/user/h264pipe/pkg/ports"
)

// DefaultSlots is the number of in-flight submissions a pipeline allows.
const DefaultSlots = 4

// outputHeadroom is the extra capacity of a slot's output buffer over its input.
const outputHeadroom = 64

var (
	// ErrGeometryChanged is returned when the channel announces a second,
	// different output geometry after the output pool was configured.
	ErrGeometryChanged = errors.New("pipeline: output geometry changed after pool setup")

	// ErrUnknownSlot is returned when a completion names a slot that is not in flight.
	ErrUnknownSlot = errors.New("pipeline: completion for idle slot")

	// ErrEndOfStream is returned by Submit after end of stream was accepted.
	ErrEndOfStream = errors.New("pipeline: submit after end of stream")

	// ErrStalled is returned by Run when the channel stops completing work
	// before it signalled end of stream.
	ErrStalled = errors.New("pipeline: channel stalled before end of stream")
)

// Status is the flow-control outcome of Submit.
type Status int

const (
	// Ready means the input was accepted and the next input may be read.
	Ready Status = iota
	// Backpressure means the input was not accepted and must be resubmitted.
	Backpressure
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Backpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// Input is one submission: an encoded unit, a raw frame, or end of stream.
type Input struct {
	Data  []byte
	Frame *planar.Frame
	EOS   bool
}

// Backoff controls how often Drain polls a channel that answers try-again.
type Backoff struct {
	// Attempts is the number of Dequeue calls made before giving up.
	Attempts int
	// Delay is the pause between attempts.
	Delay time.Duration
	// Sleep replaces time.Sleep when set.
	Sleep func(time.Duration)
}

// DefaultBackoff polls five times, three milliseconds apart.
var DefaultBackoff = Backoff{Attempts: 5, Delay: 3 * time.Millisecond}

func (b Backoff) sleep() {
	if b.Delay <= 0 {
		return
	}
	if b.Sleep != nil {
		b.Sleep(b.Delay)
		return
	}
	time.Sleep(b.Delay)
}

// Stats holds pipeline counters.
type Stats struct {
	Submitted    int   // Submit calls that reached a free slot
	Accepted     int   // submissions taken by the channel
	Backpressure int   // Submit calls answered with Backpressure
	Completions  int   // completions drained
	TryAgain     int   // Dequeue calls answered with try-again
	Units        int   // units delivered to the sink, headers excluded
	Headers      int   // parameter-set headers delivered
	Bytes        int64 // bytes delivered to the sink
}

type slot struct {
	input  []byte
	output []byte
	busy   bool
}

type options struct {
	slots      int
	backoff    Backoff
	stallLimit int
	logger     ports.Logger
}

// Option configures a Pipeline.
type Option func(*options)

// WithSlots sets the slot ring size.
func WithSlots(n int) Option {
	return func(o *options) {
		o.slots = n
	}
}

// WithBackoff sets the try-again polling policy. A non-positive delay
// selects DefaultBackoff's delay.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		o.backoff = b
	}
}

// WithStallLimit sets how many consecutive drains without a completion Run
// tolerates while waiting on the channel. Zero waits forever.
func WithStallLimit(n int) Option {
	return func(o *options) {
		o.stallLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Pipeline drives one codec channel. It is not safe for concurrent use.
type Pipeline struct {
	ch   ports.CodecChannel
	sink ports.UnitSink
	log  ports.Logger

	slots      []slot
	current    int
	backoff    Backoff
	stallLimit int

	poolReady bool
	format    ports.FrameFormat

	headerSent bool

	eosAccepted bool
	done        bool

	stats Stats
}

// New creates a Pipeline that submits to ch and delivers produced units to sink.
func New(ch ports.CodecChannel, sink ports.UnitSink, opts ...Option) *Pipeline {
	o := options{slots: DefaultSlots, backoff: DefaultBackoff, stallLimit: DefaultStallLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.slots < 1 {
		o.slots = 1
	}
	if o.backoff.Attempts < 1 {
		o.backoff.Attempts = 1
	}
	if o.backoff.Delay <= 0 {
		o.backoff.Delay = DefaultBackoff.Delay
	}

	p := &Pipeline{
		ch:         ch,
		sink:       sink,
		slots:      make([]slot, o.slots),
		backoff:    o.backoff,
		stallLimit: o.stallLimit,
	}
	if o.logger != nil {
		p.log = o.logger.WithComponent("pipeline")
	}
	return p
}

// Submit offers in to the channel using the current slot.
//
// On Backpressure nothing changed: the caller must Drain and resubmit the
// same input. On Ready the slot is in flight and the ring has rotated.
// A non-nil error is fatal.
func (p *Pipeline) Submit(in Input) (Status, error) {
	if p.eosAccepted {
		return Backpressure, ErrEndOfStream
	}

	idx := p.current
	s := &p.slots[idx]
	if s.busy {
		p.stats.Backpressure++
		p.debug("Slot %d busy, backpressure", idx)
		return Backpressure, nil
	}
	p.stats.Submitted++

	task := &ports.Task{Slot: idx, EOS: in.EOS}
	if !in.EOS {
		if in.Frame != nil {
			s.input = in.Frame.Pack(s.input)
			task.Format = ports.FrameFormat{
				Width:     in.Frame.Width,
				Height:    in.Frame.Height,
				HorStride: in.Frame.Width,
				VerStride: in.Frame.Height,
			}
		} else {
			s.input = append(s.input[:0], in.Data...)
		}

		need := len(s.input) + outputHeadroom
		if cap(s.output) < need {
			s.output = make([]byte, need)
		}
		task.Input = s.input
		task.Output = s.output[:need]
	}

	if err := p.ch.Enqueue(task); err != nil {
		if errors.Is(err, ports.ErrChannelFull) {
			p.stats.Backpressure++
			p.debug("Channel full on slot %d, backpressure", idx)
			return Backpressure, nil
		}
		return Backpressure, fmt.Errorf("enqueue slot %d: %w", idx, err)
	}

	s.busy = true
	p.current = (idx + 1) % len(p.slots)
	p.stats.Accepted++
	if in.EOS {
		p.eosAccepted = true
		p.debug("End of stream accepted on slot %d", idx)
	}
	return Ready, nil
}

// Drain delivers every completion the channel has ready and returns the
// number of units handed to the sink. Try-again answers are polled per the
// backoff policy and then treated as nothing available.
func (p *Pipeline) Drain() (int, error) {
	delivered := 0
	for !p.done {
		c, err := p.dequeue()
		if err != nil {
			return delivered, err
		}
		if c == nil {
			break
		}

		n, err := p.complete(c)
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

func (p *Pipeline) dequeue() (*ports.Completion, error) {
	for attempt := 1; ; attempt++ {
		c, err := p.ch.Dequeue()
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ports.ErrTryAgain) {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		p.stats.TryAgain++
		if attempt >= p.backoff.Attempts {
			return nil, nil
		}
		p.backoff.sleep()
	}
}

func (p *Pipeline) complete(c *ports.Completion) (int, error) {
	defer p.ch.Release(c)
	p.stats.Completions++

	if c.Slot != ports.NoSlot {
		if c.Slot < 0 || c.Slot >= len(p.slots) || !p.slots[c.Slot].busy {
			return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, c.Slot)
		}
	}

	if c.Format != nil {
		if err := p.formatChanged(*c.Format); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, u := range c.Units {
		if err := p.deliver(u); err != nil {
			return n, err
		}
		n++
	}

	if c.Slot != ports.NoSlot {
		p.slots[c.Slot].busy = false
	}
	if c.EOS {
		p.done = true
		p.debug("Channel reported end of stream")
	}
	return n, nil
}

func (p *Pipeline) formatChanged(f ports.FrameFormat) error {
	// The pool is set up once; any later notification is unsupported.
	if p.poolReady {
		return fmt.Errorf("%w: %dx%d to %dx%d",
			ErrGeometryChanged, p.format.Width, p.format.Height, f.Width, f.Height)
	}

	if pc, ok := p.ch.(ports.PoolConfigurer); ok {
		if err := pc.ConfigureOutputPool(f); err != nil {
			return fmt.Errorf("configure output pool: %w", err)
		}
	}
	p.poolReady = true
	p.format = f
	p.debug("Output pool configured for %dx%d (stride %dx%d)", f.Width, f.Height, f.HorStride, f.VerStride)
	return nil
}

// deliver hands u to the sink, preceded by the channel's stream header on
// the first unit and on every keyframe.
func (p *Pipeline) deliver(u ports.Unit) error {
	if hp, ok := p.ch.(ports.HeaderProvider); ok && (!p.headerSent || u.Keyframe) {
		if h := hp.Header(); len(h) > 0 {
			if err := p.sink.Accept(ports.Unit{Data: h}); err != nil {
				return fmt.Errorf("deliver header: %w", err)
			}
			p.headerSent = true
			p.stats.Headers++
			p.stats.Bytes += int64(len(h))
		}
	}

	if err := p.sink.Accept(u); err != nil {
		return fmt.Errorf("deliver unit: %w", err)
	}
	p.stats.Units++
	p.stats.Bytes += int64(len(u.Data))
	return nil
}

// Done reports whether the channel signalled end of stream on its output.
func (p *Pipeline) Done() bool { return p.done }

// EOSAccepted reports whether an end-of-stream submission was accepted.
func (p *Pipeline) EOSAccepted() bool { return p.eosAccepted }

// InFlight returns the number of busy slots.
func (p *Pipeline) InFlight() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].busy {
			n++
		}
	}
	return n
}

// Slots returns the slot ring size.
func (p *Pipeline) Slots() int { return len(p.slots) }

// Current returns the index of the slot the next submission will use.
func (p *Pipeline) Current() int { return p.current }

// Format returns the configured output geometry and whether the pool is set up.
func (p *Pipeline) Format() (ports.FrameFormat, bool) { return p.format, p.poolReady }

// Stats returns the counters accumulated so far.
func (p *Pipeline) Stats() Stats { return p.stats }

// Close releases the slot buffers and closes the channel.
func (p *Pipeline) Close() error {
	for i := range p.slots {
		p.slots[i] = slot{}
	}
	return p.ch.Close()
}

func (p *Pipeline) debug(msg string, args ...interface{}) {
	if p.log != nil {
		p.log.Debug(msg, args...)
	}
}
