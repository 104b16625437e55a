package planar

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func address(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func TestNewAlignedBuffer(t *testing.T) {
	for _, align := range []int{1, 2, 16, 64, 4096} {
		b, err := NewAlignedBuffer(100, align)
		require.NoError(t, err)

		require.Len(t, b.Bytes(), 100)
		require.Zero(t, address(b.Bytes())%uintptr(align), "alignment %d", align)
		require.Less(t, b.Offset(), align)
		require.LessOrEqual(t, b.Len(), b.Cap()-(align-1))
		require.Equal(t, align, b.Alignment())
	}
}

func TestNewAlignedBuffer_InvalidAlignment(t *testing.T) {
	for _, align := range []int{0, -16, 3, 24} {
		_, err := NewAlignedBuffer(10, align)
		require.ErrorIs(t, err, ErrInvalidAlignment)
	}
}

func TestAlignedBuffer_ViewCannotGrowIntoPadding(t *testing.T) {
	b, err := NewAlignedBuffer(8, 16)
	require.NoError(t, err)
	require.Equal(t, 8, cap(b.Bytes()))
}

func TestAllocate(t *testing.T) {
	f, err := Allocate(4, 4)
	require.NoError(t, err)

	require.Equal(t, 16, f.Y.Size())
	require.Equal(t, 4, f.U.Size())
	require.Equal(t, 4, f.V.Size())
	require.Equal(t, 24, f.Size())
	require.Equal(t, 24, FrameSize(4, 4))

	for _, p := range f.Planes() {
		require.Zero(t, address(p.Bytes())%DefaultAlignment)
	}
}

func TestAllocate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		opts   []AllocOption
		want   error
	}{
		{"zero width", 0, 4, nil, ErrInvalidGeometry},
		{"negative height", 4, -2, nil, ErrInvalidGeometry},
		{"odd width", 3, 4, nil, ErrInvalidGeometry},
		{"bad alignment", 4, 4, []AllocOption{WithAlignment(12)}, ErrInvalidAlignment},
		{"over limit", 64, 64, []AllocOption{WithMaxFrameSize(1024)}, ErrOutOfMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Allocate(tt.width, tt.height, tt.opts...)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, f)
		})
	}
}

func TestFrame_Pack(t *testing.T) {
	f, err := Allocate(2, 2)
	require.NoError(t, err)
	copy(f.Y.Bytes(), []byte{1, 2, 3, 4})
	f.U.Bytes()[0] = 5
	f.V.Bytes()[0] = 6

	buf := make([]byte, 0, 16)
	out := f.Pack(buf)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out)
	require.Equal(t, address(buf[:1]), address(out))
}

func frameBytes(n, size int) []byte {
	b := make([]byte, n*size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestReader_TwoFramesThenShortRead(t *testing.T) {
	data := frameBytes(2, 24)
	r := NewReader(bytes.NewReader(data), 4, 4)

	f, err := r.Alloc()
	require.NoError(t, err)

	require.NoError(t, r.ReadFrame(f))
	require.Equal(t, data[0:16], f.Y.Bytes())
	require.Equal(t, data[16:20], f.U.Bytes())
	require.Equal(t, data[20:24], f.V.Bytes())

	require.NoError(t, r.ReadFrame(f))
	require.Equal(t, data[24:40], f.Y.Bytes())

	err = r.ReadFrame(f)
	require.ErrorIs(t, err, ErrShortRead)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, r.FramesRead())
}

func TestReader_PartialFrame(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"inside luma", 10},
		{"after luma", 16},
		{"inside chroma", 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader(frameBytes(1, tt.size)), 4, 4)
			f, err := r.Alloc()
			require.NoError(t, err)

			err = r.ReadFrame(f)
			require.ErrorIs(t, err, ErrShortRead)
			require.ErrorIs(t, err, io.ErrUnexpectedEOF)
			require.Zero(t, r.FramesRead())
		})
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, errors.New("device gone")
}

func TestReader_IOError(t *testing.T) {
	r := NewReader(brokenReader{}, 4, 4)
	f, err := r.Alloc()
	require.NoError(t, err)

	err = r.ReadFrame(f)
	require.ErrorIs(t, err, ErrIO)
	require.NotErrorIs(t, err, ErrShortRead)
}

func TestReader_GeometryMismatch(t *testing.T) {
	r := NewReader(bytes.NewReader(frameBytes(1, 24)), 4, 4)
	f, err := Allocate(2, 2)
	require.NoError(t, err)

	require.ErrorIs(t, r.ReadFrame(f), ErrInvalidGeometry)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.yuv")
	require.NoError(t, os.WriteFile(path, frameBytes(1, 24), 0o644))

	r, err := Open(path, 4, 4)
	require.NoError(t, err)
	defer r.Close()

	f, err := r.Alloc()
	require.NoError(t, err)
	require.NoError(t, r.ReadFrame(f))
}

func TestOpen_Missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.yuv"), 4, 4)
	require.ErrorIs(t, err, ErrOpen)
}
