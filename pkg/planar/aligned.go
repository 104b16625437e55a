package planar

import (
	"fmt"
	"unsafe"
)

// DefaultAlignment is the plane start address boundary used by Allocate.
const DefaultAlignment = 16

// AlignedBuffer is a byte buffer whose first usable byte sits on an
// alignment boundary. The raw allocation is over-sized by alignment-1 bytes
// and the usable view starts at the first aligned address inside it.
type AlignedBuffer struct {
	raw   []byte
	off   int
	size  int
	align int
}

// NewAlignedBuffer allocates size usable bytes aligned to align, which must
// be a power of two.
func NewAlignedBuffer(size, align int) (*AlignedBuffer, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAlignment, align)
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidGeometry, size)
	}

	raw := make([]byte, size+align-1)
	off := 0
	if len(raw) > 0 {
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
		off = int((uintptr(align) - addr%uintptr(align)) % uintptr(align))
	}

	return &AlignedBuffer{raw: raw, off: off, size: size, align: align}, nil
}

// Bytes returns the aligned usable view.
func (b *AlignedBuffer) Bytes() []byte {
	return b.raw[b.off : b.off+b.size : b.off+b.size]
}

// Len returns the usable size in bytes.
func (b *AlignedBuffer) Len() int { return b.size }

// Cap returns the size of the raw allocation.
func (b *AlignedBuffer) Cap() int { return len(b.raw) }

// Alignment returns the alignment boundary.
func (b *AlignedBuffer) Alignment() int { return b.align }

// Offset returns the distance from the raw allocation to the aligned view.
func (b *AlignedBuffer) Offset() int { return b.off }
