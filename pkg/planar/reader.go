package planar

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrShortRead is returned when a plane cannot be filled completely.
	ErrShortRead = errors.New("planar: short read")

	// ErrIO is returned when the underlying reader fails.
	ErrIO = errors.New("planar: read failed")

	// ErrOpen is returned when the frame file cannot be opened.
	ErrOpen = errors.New("planar: open failed")
)

// Reader reads consecutive headerless frames of one geometry.
type Reader struct {
	r      io.Reader
	closer io.Closer

	width  int
	height int
	opts   []AllocOption

	frames int
}

// NewReader returns a Reader for width x height frames from r.
func NewReader(r io.Reader, width, height int, opts ...AllocOption) *Reader {
	rd := &Reader{r: r, width: width, height: height, opts: opts}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// Open opens a raw frame file.
func Open(path string, width, height int, opts ...AllocOption) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return NewReader(f, width, height, opts...), nil
}

// Alloc allocates a frame matching the reader's geometry.
func (r *Reader) Alloc() (*Frame, error) {
	return Allocate(r.width, r.height, r.opts...)
}

// ReadFrame fills f with the next frame, Y then U then V. A plane that
// cannot be filled completely fails with ErrShortRead. The error also wraps
// io.EOF when input ended exactly on a frame boundary and
// io.ErrUnexpectedEOF when it ended inside a frame.
func (r *Reader) ReadFrame(f *Frame) error {
	if f.Width != r.width || f.Height != r.height {
		return fmt.Errorf("%w: frame %dx%d, reader %dx%d",
			ErrInvalidGeometry, f.Width, f.Height, r.width, r.height)
	}

	for i, p := range f.Planes() {
		if _, err := io.ReadFull(r.r, p.Bytes()); err != nil {
			if errors.Is(err, io.EOF) && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: frame %d plane %d: %w", ErrShortRead, r.frames, i, err)
			}
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	r.frames++
	return nil
}

// FramesRead returns the number of complete frames read.
func (r *Reader) FramesRead() int {
	return r.frames
}

// Close closes the underlying reader if it is closable.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
