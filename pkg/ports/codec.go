package ports

import "errors"

var (
	// ErrChannelFull is returned by CodecChannel.Enqueue when the channel's
	// bounded input side cannot take another task right now.
	ErrChannelFull = errors.New("codec channel full")

	// ErrTryAgain is returned by CodecChannel.Dequeue when output may become
	// available shortly but is not ready yet.
	ErrTryAgain = errors.New("codec channel: try again")
)

// NoSlot marks a completion that does not retire any submitted task.
const NoSlot = -1

// FrameFormat describes the geometry of raw planar frames produced or consumed
// by a codec channel. HorStride and VerStride are the padded dimensions of the
// backing buffer; they equal Width and Height when no padding is used.
type FrameFormat struct {
	Width     int
	Height    int
	HorStride int
	VerStride int
}

// IsZero reports whether the format carries no geometry.
func (f FrameFormat) IsZero() bool {
	return f.Width == 0 && f.Height == 0
}

// Strides returns HorStride and VerStride, falling back to Width and Height
// when no padding is given.
func (f FrameFormat) Strides() (hor, ver int) {
	hor, ver = f.HorStride, f.VerStride
	if hor == 0 {
		hor = f.Width
	}
	if ver == 0 {
		ver = f.Height
	}
	return hor, ver
}

// ChromaRows returns the number of interleaved chroma rows that follow rows
// luma rows in an NV12 frame. Odd heights round up.
func ChromaRows(rows int) int {
	return (rows + 1) / 2
}

// NV12Size returns the byte size of one strided NV12 frame.
func (f FrameFormat) NV12Size() int {
	hor, ver := f.Strides()
	return hor*ver + hor*ChromaRows(ver)
}

// Task is one unit of work handed to a CodecChannel.
// Input and Output are owned by the submitting slot and are reused once the
// task's completion has been drained.
type Task struct {
	Slot   int
	Input  []byte
	Output []byte
	EOS    bool

	// Format is set for raw frame input (encoding direction).
	Format FrameFormat
}

// Unit is one produced output: an encoded Annex-B unit or a decoded frame.
// Data stays valid until the completion carrying it is released.
type Unit struct {
	Data     []byte
	Format   FrameFormat // zero for encoded units
	Keyframe bool
}

// Completion reports progress from a CodecChannel.
type Completion struct {
	// Slot is the slot of the task whose input was consumed, or NoSlot for
	// output-only completions.
	Slot  int
	Units []Unit

	// Format is non-nil when the channel announces new output geometry.
	Format *FrameFormat

	// EOS marks the channel's own end of stream on output.
	EOS bool
}

// CodecChannel abstracts an external codec service reached through a bounded
// queue. Calls never block for long: a full input side returns ErrChannelFull
// and an empty output side returns ErrTryAgain or a nil completion.
type CodecChannel interface {
	// Enqueue offers a task to the channel.
	Enqueue(task *Task) error

	// Dequeue returns the next completion. It returns (nil, nil) when nothing
	// is in flight and ErrTryAgain when output is pending but not ready.
	Dequeue() (*Completion, error)

	// Release returns the resources held by a drained completion.
	Release(c *Completion)

	// Close stops the channel and releases its resources.
	Close() error
}

// PoolConfigurer is implemented by channels that need their output buffer
// pool configured once the output geometry is known.
type PoolConfigurer interface {
	ConfigureOutputPool(format FrameFormat) error
}

// HeaderProvider is implemented by encoding channels that expose stream
// headers (parameter sets) out of band.
type HeaderProvider interface {
	Header() []byte
}
