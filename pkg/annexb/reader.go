// Package annexb splits an Annex-B elementary stream into units.
//
// A unit is the payload between one 4-byte start code (00 00 00 01) and the
// next, with both markers excluded. The stream is read through a fixed
// working buffer, so units may straddle any number of refills.
package annexb

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/user/h264pipe/pkg/bytesource"
	"github.com/user/h264pipe/pkg/ports"
)

// StartCode is the only marker recognised as a unit delimiter.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// straddle is the number of trailing bytes kept across a refill: a start
// code split by the refill boundary has at most this many bytes before it.
const straddle = 3

var (
	// ErrMalformed is returned when the stream does not begin with a start code.
	ErrMalformed = errors.New("annexb: stream does not start with a start code")

	// ErrOutOfMemory is returned when a unit would grow past the configured maximum.
	ErrOutOfMemory = errors.New("annexb: unit exceeds maximum size")
)

type options struct {
	bufferSize  int
	maxUnitSize int
	logger      ports.Logger
}

// Option configures a Reader.
type Option func(*options)

// WithBufferSize sets the working buffer capacity used by NewReaderFrom and Open.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithMaxUnitSize limits the size of a single unit. Zero means no limit.
func WithMaxUnitSize(n int) Option {
	return func(o *options) {
		o.maxUnitSize = n
	}
}

// WithLogger sets the logger used for refill diagnostics.
func WithLogger(l ports.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Stats holds demultiplexing counters.
type Stats struct {
	Units    int   // units yielded
	Bytes    int64 // payload bytes yielded, markers excluded
	Consumed int64 // stream bytes consumed, markers included
	Refills  int   // working buffer refills
}

// Reader yields units from a bytesource.Source.
type Reader struct {
	src   *bytesource.Source
	opts  options
	stats Stats
}

// NewReader creates a Reader over an existing source. The reader does not
// take ownership of src unless created through NewReaderFrom or Open.
func NewReader(src *bytesource.Source, opts ...Option) *Reader {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		o.logger = o.logger.WithComponent("annexb")
	}
	return &Reader{src: src, opts: o}
}

// NewReaderFrom wraps r in a new bytesource.Source and returns a Reader over it.
func NewReaderFrom(r io.Reader, opts ...Option) (*Reader, error) {
	o := options{bufferSize: bytesource.DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	src, err := bytesource.New(r, bytesource.WithBufferSize(o.bufferSize))
	if err != nil {
		return nil, err
	}
	return NewReader(src, opts...), nil
}

// Open opens the file at path and returns a Reader over it.
func Open(path string, opts ...Option) (*Reader, error) {
	o := options{bufferSize: bytesource.DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	src, err := bytesource.Open(path, bytesource.WithBufferSize(o.bufferSize))
	if err != nil {
		return nil, err
	}
	return NewReader(src, opts...), nil
}

// Next returns the next unit. The returned slice is owned by the caller.
// It returns io.EOF once the stream is fully consumed.
//
// On ErrOutOfMemory the read position is left on the unit's start code as
// long as no refill happened while scanning it. Once a refill has discarded
// the start code the unit cannot be resumed and the reader should be closed.
func (r *Reader) Next() ([]byte, error) {
	src := r.src

	for src.End()-src.Pos() < len(StartCode) && !src.Exhausted() {
		if err := src.Refill(src.Pos()); err != nil {
			return nil, err
		}
	}

	window := src.Window()
	if len(window) == 0 {
		return nil, io.EOF
	}
	if !bytes.HasPrefix(window, StartCode) {
		return nil, ErrMalformed
	}

	// The position only moves once the unit is complete.
	var unit []byte
	start := src.Pos() + len(StartCode)
	for {
		buf := src.Buffer()

		if k := bytes.Index(buf[start:], StartCode); k >= 0 {
			var err error
			if unit, err = r.grow(unit, buf[start:start+k]); err != nil {
				return nil, err
			}
			src.Advance(start + k - src.Pos())
			break
		}

		if src.Exhausted() {
			var err error
			if unit, err = r.grow(unit, buf[start:]); err != nil {
				return nil, err
			}
			src.Advance(len(buf) - src.Pos())
			break
		}

		keep := max(len(buf)-straddle, start)
		var err error
		if unit, err = r.grow(unit, buf[start:keep]); err != nil {
			return nil, err
		}

		if err := src.Refill(keep); err != nil {
			return nil, err
		}
		if r.opts.logger != nil {
			r.opts.logger.Debug("Refilled working buffer, unit so far %d bytes", len(unit))
		}
		start = 0
	}

	if unit == nil {
		unit = []byte{}
	}
	r.stats.Units++
	r.stats.Bytes += int64(len(unit))
	r.stats.Consumed += int64(len(unit) + len(StartCode))
	return unit, nil
}

// grow appends p to unit, enforcing the maximum unit size.
func (r *Reader) grow(unit, p []byte) ([]byte, error) {
	if r.opts.maxUnitSize > 0 && len(unit)+len(p) > r.opts.maxUnitSize {
		return unit, fmt.Errorf("%w: %d > %d bytes", ErrOutOfMemory, len(unit)+len(p), r.opts.maxUnitSize)
	}
	if len(p) == 0 {
		return unit, nil
	}
	return append(unit, p...), nil
}

// Source returns the underlying byte source.
func (r *Reader) Source() *bytesource.Source {
	return r.src
}

// Stats returns the counters accumulated so far.
func (r *Reader) Stats() Stats {
	st := r.stats
	st.Refills = r.src.Refills()
	return st
}

// Close closes the underlying source.
func (r *Reader) Close() error {
	return r.src.Close()
}
