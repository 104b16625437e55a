// Package bytesource provides a byte source backed by one fixed-size working
// buffer. Callers consume bytes from the valid window [Pos, End) and ask for
// more data with Refill, which compacts the buffer before appending.
package bytesource

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultBufferSize is the working buffer capacity used when none is given.
const DefaultBufferSize = 64 * 1024 * 1024

// MinBufferSize is the smallest usable capacity: one 4-byte start code.
const MinBufferSize = 4

// maxEmptyReads bounds consecutive (0, nil) reads before giving up.
const maxEmptyReads = 100

var (
	// ErrOpen is returned when the underlying file cannot be opened.
	ErrOpen = errors.New("bytesource: open failed")

	// ErrIO is returned when the underlying reader fails for a reason other than end of file.
	ErrIO = errors.New("bytesource: read failed")

	// ErrBufferTooSmall is returned for a capacity below MinBufferSize.
	ErrBufferTooSmall = errors.New("bytesource: buffer too small")
)

type options struct {
	bufferSize int
}

// Option configures a Source.
type Option func(*options)

// WithBufferSize sets the working buffer capacity in bytes.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// Source wraps a reader with a fixed working buffer.
// Invariant: 0 <= pos <= end <= len(buf). Once exhausted it stays exhausted.
type Source struct {
	r      io.Reader
	closer io.Closer

	buf       []byte
	pos       int
	end       int
	exhausted bool

	refills int
}

// Open opens the file at path and performs the initial fill.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	s, err := New(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// New wraps r and performs the initial fill. If r is an io.Closer, Close
// closes it.
func New(r io.Reader, opts ...Option) (*Source, error) {
	o := options{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferSize < MinBufferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBufferTooSmall, o.bufferSize)
	}

	s := &Source{
		r:   r,
		buf: make([]byte, o.bufferSize),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}

	if err := s.fill(); err != nil {
		return nil, err
	}
	return s, nil
}

// fill appends the result of one successful read after end.
func (s *Source) fill() error {
	for empty := 0; s.end < len(s.buf) && !s.exhausted; {
		n, err := s.r.Read(s.buf[s.end:])
		s.end += n
		if errors.Is(err, io.EOF) {
			s.exhausted = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if n > 0 {
			return nil
		}
		empty++
		if empty >= maxEmptyReads {
			return fmt.Errorf("%w: %w", ErrIO, io.ErrNoProgress)
		}
	}
	return nil
}

// Refill discards the first consumed bytes of the buffer, moves the
// remaining valid bytes to offset 0 and appends fresh data after them.
// The read position moves back by consumed, stopping at 0.
// After exhaustion only the compaction happens.
func (s *Source) Refill(consumed int) error {
	if consumed < 0 || consumed > s.end {
		panic(fmt.Sprintf("bytesource: refill discards %d of %d valid bytes", consumed, s.end))
	}

	if consumed > 0 {
		copy(s.buf, s.buf[consumed:s.end])
		s.end -= consumed
		s.pos = max(s.pos-consumed, 0)
	}
	s.refills++

	return s.fill()
}

// Advance moves the read position forward by n bytes.
func (s *Source) Advance(n int) {
	if n < 0 || s.pos+n > s.end {
		panic(fmt.Sprintf("bytesource: advance by %d past window end", n))
	}
	s.pos += n
}

// Pos returns the offset of the first unconsumed byte.
func (s *Source) Pos() int { return s.pos }

// End returns the offset one past the last valid byte.
func (s *Source) End() int { return s.end }

// Cap returns the fixed buffer capacity.
func (s *Source) Cap() int { return len(s.buf) }

// Window returns the unconsumed bytes [Pos, End). The slice aliases the
// working buffer and is invalidated by Refill.
func (s *Source) Window() []byte { return s.buf[s.pos:s.end] }

// Buffer returns all valid bytes [0, End). The slice aliases the working
// buffer and is invalidated by Refill.
func (s *Source) Buffer() []byte { return s.buf[:s.end] }

// Exhausted reports whether the underlying reader has reached end of file.
func (s *Source) Exhausted() bool { return s.exhausted }

// Refills returns the number of Refill calls made so far.
func (s *Source) Refills() int { return s.refills }

// Close closes the underlying reader if it is closable.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
