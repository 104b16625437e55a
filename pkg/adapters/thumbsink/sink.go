// Package thumbsink saves a scaled PNG of the first decoded frame while
// passing every unit on to another sink.
package thumbsink

import (
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/user/h264pipe/pkg/ports"
)

// DefaultWidth is the thumbnail width used when none is given.
const DefaultWidth = 320

// ErrBadFrame is returned when a frame is smaller than its format implies.
var ErrBadFrame = errors.New("thumbsink: frame smaller than its format")

// Sink wraps another ports.UnitSink.
type Sink struct {
	next  ports.UnitSink
	fs    ports.FileSystem
	path  string
	width int

	saved bool
}

// New creates a Sink that writes the thumbnail to path through fs.
func New(next ports.UnitSink, fs ports.FileSystem, path string, width int) *Sink {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Sink{next: next, fs: fs, path: path, width: width}
}

// Accept saves the first unit that carries a frame format, then forwards u.
func (s *Sink) Accept(u ports.Unit) error {
	if !s.saved && !u.Format.IsZero() {
		if err := s.save(u); err != nil {
			return err
		}
		s.saved = true
	}
	return s.next.Accept(u)
}

// Saved reports whether the thumbnail was written.
func (s *Sink) Saved() bool { return s.saved }

// Close closes the wrapped sink.
func (s *Sink) Close() error {
	return s.next.Close()
}

func (s *Sink) save(u ports.Unit) error {
	img, err := NV12Image(u.Data, u.Format)
	if err != nil {
		return err
	}

	b := img.Bounds()
	w := s.width
	if w > b.Dx() {
		w = b.Dx()
	}
	h := b.Dy() * w / b.Dx()
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	f, err := s.fs.Create(s.path)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	if err := png.Encode(f, dst); err != nil {
		f.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close thumbnail: %w", err)
	}
	return nil
}

// NV12Image converts a strided NV12 frame into an image.YCbCr.
func NV12Image(data []byte, f ports.FrameFormat) (*image.YCbCr, error) {
	stride, rows := f.HorStride, f.VerStride
	if stride < f.Width {
		stride = f.Width
	}
	if rows < f.Height {
		rows = f.Height
	}
	chromaRows := ports.ChromaRows(f.Height)
	if len(data) < stride*rows+stride*chromaRows {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrBadFrame, len(data), f.Width, f.Height)
	}

	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio420)
	for y := 0; y < f.Height; y++ {
		copy(img.Y[y*img.YStride:], data[y*stride:y*stride+f.Width])
	}

	uv := data[stride*rows:]
	chromaCols := (f.Width + 1) / 2
	for y := 0; y < chromaRows; y++ {
		row := uv[y*stride:]
		for x := 0; x < chromaCols; x++ {
			img.Cb[y*img.CStride+x] = row[2*x]
			img.Cr[y*img.CStride+x] = row[2*x+1]
		}
	}
	return img, nil
}

var _ ports.UnitSink = (*Sink)(nil)
