// Package planar provides 4:2:0 planar frame buffers with aligned planes
// and a reader for headerless raw frame files.
package planar

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGeometry is returned for non-positive or odd frame dimensions.
	ErrInvalidGeometry = errors.New("planar: invalid frame geometry")

	// ErrInvalidAlignment is returned for alignments that are not a power of two.
	ErrInvalidAlignment = errors.New("planar: alignment must be a power of two")

	// ErrOutOfMemory is returned when a frame exceeds the configured size limit.
	ErrOutOfMemory = errors.New("planar: frame exceeds maximum size")
)

// Plane is one image plane backed by an aligned buffer.
type Plane struct {
	Buf *AlignedBuffer
}

// Bytes returns the plane's usable bytes.
func (p Plane) Bytes() []byte { return p.Buf.Bytes() }

// Size returns the plane's logical size.
func (p Plane) Size() int { return p.Buf.Len() }

// Frame is a planar 4:2:0 image: a full-resolution luma plane followed by
// two quarter-size chroma planes.
type Frame struct {
	Width  int
	Height int
	Y      Plane
	U      Plane
	V      Plane
}

type allocOptions struct {
	alignment    int
	maxFrameSize int
}

// AllocOption configures Allocate.
type AllocOption func(*allocOptions)

// WithAlignment sets the plane alignment. Defaults to DefaultAlignment.
func WithAlignment(n int) AllocOption {
	return func(o *allocOptions) {
		o.alignment = n
	}
}

// WithMaxFrameSize limits the total frame size in bytes. Zero means no limit.
func WithMaxFrameSize(n int) AllocOption {
	return func(o *allocOptions) {
		o.maxFrameSize = n
	}
}

// FrameSize returns the packed size of a width x height 4:2:0 frame.
func FrameSize(width, height int) int {
	return width*height + 2*(width*height/4)
}

// Allocate returns a frame with independently allocated, aligned planes.
// On error no frame is returned.
func Allocate(width, height int, opts ...AllocOption) (*Frame, error) {
	o := allocOptions{alignment: DefaultAlignment}
	for _, opt := range opts {
		opt(&o)
	}

	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	if o.maxFrameSize > 0 && FrameSize(width, height) > o.maxFrameSize {
		return nil, fmt.Errorf("%w: %dx%d needs %d bytes, limit %d",
			ErrOutOfMemory, width, height, FrameSize(width, height), o.maxFrameSize)
	}

	lumaSize := width * height
	chromaSize := lumaSize / 4

	y, err := NewAlignedBuffer(lumaSize, o.alignment)
	if err != nil {
		return nil, err
	}
	u, err := NewAlignedBuffer(chromaSize, o.alignment)
	if err != nil {
		return nil, err
	}
	v, err := NewAlignedBuffer(chromaSize, o.alignment)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Width:  width,
		Height: height,
		Y:      Plane{Buf: y},
		U:      Plane{Buf: u},
		V:      Plane{Buf: v},
	}, nil
}

// Size returns the packed frame size.
func (f *Frame) Size() int {
	return f.Y.Size() + f.U.Size() + f.V.Size()
}

// Planes returns Y, U and V in storage order.
func (f *Frame) Planes() [3]Plane {
	return [3]Plane{f.Y, f.U, f.V}
}

// Pack appends Y, U and V contiguously to dst[:0] and returns the result.
func (f *Frame) Pack(dst []byte) []byte {
	dst = dst[:0]
	for _, p := range f.Planes() {
		dst = append(dst, p.Bytes()...)
	}
	return dst
}
