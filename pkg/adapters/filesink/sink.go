// Package filesink writes produced units to a file or any sequential writer.
package filesink

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/user/h264pipe/pkg/ports"
)

// maxStalls bounds consecutive zero-byte writes before giving up.
const maxStalls = 100

var (
	// ErrOpen is returned when the output file cannot be created.
	ErrOpen = errors.New("filesink: cannot create output")

	// ErrShortWrite is returned when the writer keeps accepting zero bytes without an error.
	ErrShortWrite = errors.New("filesink: short write")

	// ErrBadFrame is returned when a frame unit is smaller than its geometry.
	ErrBadFrame = errors.New("filesink: frame smaller than its format")
)

// Sink writes encoded units verbatim and decoded frames as tightly packed
// NV12: width-byte luma rows followed by height/2 interleaved chroma rows.
type Sink struct {
	w      *bufio.Writer
	closer io.Closer

	units int
	bytes int64
}

// New creates a Sink writing to w. If w is an io.Closer, Close closes it.
func New(w io.Writer) *Sink {
	s := &Sink{w: bufio.NewWriter(retryWriter{w: w})}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Create creates path through fs and returns a Sink writing to it.
func Create(fs ports.FileSystem, path string) (*Sink, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, path, err)
	}
	return New(f), nil
}

// Accept writes one unit.
func (s *Sink) Accept(u ports.Unit) error {
	var err error
	if u.Format.IsZero() {
		err = s.write(u.Data)
	} else {
		err = s.writeFrame(u.Data, u.Format)
	}
	if err != nil {
		return err
	}
	s.units++
	return nil
}

func (s *Sink) writeFrame(data []byte, f ports.FrameFormat) error {
	hor, ver := f.Strides()
	chromaRows := ports.ChromaRows(f.Height)
	if len(data) < hor*ver+hor*(chromaRows-1)+f.Width {
		return fmt.Errorf("%w: %d bytes for %dx%d stride %dx%d",
			ErrBadFrame, len(data), f.Width, f.Height, hor, ver)
	}

	for row := 0; row < f.Height; row++ {
		off := row * hor
		if err := s.write(data[off : off+f.Width]); err != nil {
			return err
		}
	}
	chroma := data[hor*ver:]
	for row := 0; row < chromaRows; row++ {
		off := row * hor
		if err := s.write(chroma[off : off+f.Width]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) write(p []byte) error {
	n, err := s.w.Write(p)
	s.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Units returns the number of units written.
func (s *Sink) Units() int { return s.units }

// Bytes returns the number of bytes written.
func (s *Sink) Bytes() int64 { return s.bytes }

// Close flushes buffered output and closes the underlying writer.
func (s *Sink) Close() error {
	err := s.w.Flush()
	if err != nil {
		err = fmt.Errorf("flush output: %w", err)
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

// retryWriter repeats partial writes until all bytes are written or the
// underlying writer fails.
type retryWriter struct {
	w io.Writer
}

func (r retryWriter) Write(p []byte) (int, error) {
	written, stalls := 0, 0
	for written < len(p) {
		n, err := r.w.Write(p[written:])
		written += n
		if err != nil && !errors.Is(err, io.ErrShortWrite) {
			return written, err
		}
		if n > 0 {
			stalls = 0
			continue
		}
		stalls++
		if stalls >= maxStalls {
			return written, ErrShortWrite
		}
	}
	return written, nil
}

var _ ports.UnitSink = (*Sink)(nil)
