package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/user/h264pipe/pkg/planar"
	"github.com/user/h264pipe/pkg/ports"
)

// DefaultStallLimit is the number of consecutive drains without a completion
// after which Run gives up on a channel that should be making progress.
// Run pauses one backoff delay after each of them, so with DefaultBackoff
// the limit amounts to about six seconds without progress.
const DefaultStallLimit = 2000

// InputSource yields pipeline inputs. Next returns io.EOF after the last one.
type InputSource interface {
	Next() (Input, error)
}

// InputSourceFunc adapts a function to InputSource.
type InputSourceFunc func() (Input, error)

// Next implements InputSource.
func (f InputSourceFunc) Next() (Input, error) {
	return f()
}

// UnitReader yields encoded units, such as *annexb.Reader.
type UnitReader interface {
	Next() ([]byte, error)
}

// UnitSource submits each unit from r as opaque data.
func UnitSource(r UnitReader) InputSource {
	return InputSourceFunc(func() (Input, error) {
		u, err := r.Next()
		if err != nil {
			return Input{}, err
		}
		return Input{Data: u}, nil
	})
}

// FrameReader fills frames, such as *planar.Reader.
type FrameReader interface {
	ReadFrame(f *planar.Frame) error
}

// FrameSource reads every frame into f and submits it. A short read ends
// the input; a partial final frame is discarded with a warning.
func FrameSource(r FrameReader, f *planar.Frame, logger ports.Logger) InputSource {
	return InputSourceFunc(func() (Input, error) {
		err := r.ReadFrame(f)
		if err == nil {
			return Input{Frame: f}, nil
		}
		if errors.Is(err, planar.ErrShortRead) {
			if errors.Is(err, io.ErrUnexpectedEOF) && logger != nil {
				logger.Warn("Discarding partial final frame: %s", err)
			}
			return Input{}, io.EOF
		}
		return Input{}, err
	})
}

// stallGuard counts consecutive drains that completed nothing and pauses
// after each one, so waiting on a slow channel never spins.
type stallGuard struct {
	limit int
	idle  int
	last  int
	pause func()
}

func (g *stallGuard) stalled(completions int) bool {
	if completions != g.last {
		g.last = completions
		g.idle = 0
		return false
	}
	g.idle++
	if g.limit > 0 && g.idle >= g.limit {
		return true
	}
	g.pause()
	return false
}

// Run feeds every input from src through p and then flushes the channel.
//
// An input is read only after the previous one was accepted; a rejected
// input is resubmitted unchanged. Every submit is followed by a drain.
// After the last input an end-of-stream marker is submitted and the
// pipeline is drained until the channel reports its own end of stream.
func Run(ctx context.Context, src InputSource, p *Pipeline) error {
	guard := &stallGuard{limit: p.stallLimit, pause: p.backoff.sleep}

	var in Input
	needInput := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if needInput {
			next, err := src.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			in = next
		}

		status, err := p.Submit(in)
		if err != nil {
			return err
		}
		needInput = status == Ready

		if _, err := p.Drain(); err != nil {
			return err
		}
		if status == Backpressure && guard.stalled(p.stats.Completions) {
			return fmt.Errorf("%w: %d slots in flight", ErrStalled, p.InFlight())
		}
	}

	for !p.eosAccepted {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.Submit(Input{EOS: true}); err != nil {
			return err
		}
		if _, err := p.Drain(); err != nil {
			return err
		}
		if !p.eosAccepted && guard.stalled(p.stats.Completions) {
			return fmt.Errorf("%w: end of stream not accepted", ErrStalled)
		}
	}

	for !p.done {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.Drain(); err != nil {
			return err
		}
		if !p.done && guard.stalled(p.stats.Completions) {
			return fmt.Errorf("%w: %d slots in flight", ErrStalled, p.InFlight())
		}
	}
	return nil
}
