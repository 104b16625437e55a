package ffmpegcodec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/require"

	"github.com/user/h264pipe/pkg/annexb"
	"github.com/user/h264pipe/pkg/mocks"
	"github.com/user/h264pipe/pkg/pipeline"
	"github.com/user/h264pipe/pkg/planar"
	"github.com/user/h264pipe/pkg/ports"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x0c, 0xac, 0x3b, 0x50, 0xb0,
		0x4b, 0x42, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00,
		0x00, 0x03, 0x00, 0x3d, 0x08,
	}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
)

// fakeFFmpeg writes a script that swallows stdin and then prints output.
func fakeFFmpeg(t *testing.T, output []byte) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "output.bin")
	require.NoError(t, os.WriteFile(out, output, 0o644))

	script := filepath.Join(dir, "ffmpeg")
	body := "#!/bin/sh\ncat > /dev/null\ncat '" + out + "'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func testBackoff() pipeline.Backoff {
	return pipeline.Backoff{Attempts: 5, Delay: time.Millisecond}
}

func TestFindFFmpeg_CustomPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, nil, 0o755))

	got, err := FindFFmpeg(path)
	require.NoError(t, err)
	require.Equal(t, path, got)
	require.True(t, IsAvailable(path))
}

func TestFindFFmpeg_CustomPathMissing(t *testing.T) {
	_, err := FindFFmpeg(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, ErrFFmpegNotFound)
}

func TestSPSFormat(t *testing.T) {
	f, err := spsFormat(testSPS)
	require.NoError(t, err)
	require.Equal(t, ports.FrameFormat{Width: 352, Height: 288, HorStride: 352, VerStride: 288}, f)
	require.Equal(t, 352*288*3/2, f.NV12Size())

	_, err = spsFormat([]byte{0x67})
	require.Error(t, err)
}

func TestEncodeArgs(t *testing.T) {
	args := encodeArgs(EncoderConfig{FPS: 25, GOP: 10, Bitrate: 500}, ports.FrameFormat{Width: 16, Height: 8})
	require.Subset(t, args, []string{"-s", "16x8", "-r", "25", "-g", "10", "-b:v", "500k", "pipe:1"})
	require.NotContains(t, args, "-crf")

	args = encodeArgs(EncoderConfig{FPS: 29.97, GOP: 1}, ports.FrameFormat{Width: 2, Height: 2})
	require.Contains(t, args, "29.97")
	require.Contains(t, args, "-crf")
}

func TestDecoder_QueueFull(t *testing.T) {
	d := NewDecoder(DecoderConfig{QueueDepth: 1})
	d.started = true
	defer d.Close()

	require.NoError(t, d.Enqueue(&ports.Task{Slot: 0, Input: []byte{0x65}}))
	require.ErrorIs(t, d.Enqueue(&ports.Task{Slot: 1, Input: []byte{0x41}}), ports.ErrChannelFull)

	_, err := d.Dequeue()
	require.ErrorIs(t, err, ports.ErrTryAgain)
}

func TestDecoder_EmptyStream(t *testing.T) {
	d := NewDecoder(DecoderConfig{})
	defer d.Close()

	c, err := d.Dequeue()
	require.NoError(t, err)
	require.Nil(t, c)

	require.NoError(t, d.Enqueue(&ports.Task{Slot: 2, EOS: true}))
	c, err = d.Dequeue()
	require.NoError(t, err)
	require.True(t, c.EOS)
	require.Equal(t, 2, c.Slot)
}

func TestDecoder_EnqueueAfterClose(t *testing.T) {
	d := NewDecoder(DecoderConfig{})
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Enqueue(&ports.Task{}), ErrClosed)
}

func TestDecoder_FakeProcess(t *testing.T) {
	size := 352 * 288 * 3 / 2
	frames := make([]byte, 2*size)
	for i := range frames {
		frames[i] = byte(i / size)
	}
	script := fakeFFmpeg(t, frames)

	stream, err := h264.AnnexB{testSPS, testPPS, {0x65, 0x88, 0x84}, {0x41, 0x9a, 0x21}}.Marshal()
	require.NoError(t, err)
	r, err := annexb.NewReaderFrom(bytes.NewReader(stream), annexb.WithBufferSize(64))
	require.NoError(t, err)

	d := NewDecoder(DecoderConfig{FFmpegPath: script, QueueDepth: 2})
	defer d.Close()
	sink := &mocks.UnitSink{}
	p := pipeline.New(d, sink, pipeline.WithBackoff(testBackoff()))

	require.NoError(t, pipeline.Run(context.Background(), pipeline.UnitSource(r), p))

	require.Len(t, sink.Units, 2)
	require.Equal(t, frames[:size], sink.Units[0].Data)
	require.Equal(t, frames[size:], sink.Units[1].Data)
	require.Equal(t, 352, sink.Units[0].Format.Width)

	f, ok := p.Format()
	require.True(t, ok)
	require.Equal(t, 288, f.Height)
}

// poll dequeues until fn returns false or the deadline passes.
func poll(t *testing.T, ch ports.CodecChannel, fn func(*ports.Completion) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c, err := ch.Dequeue()
		if errors.Is(err, ports.ErrTryAgain) || (err == nil && c == nil) {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		more := fn(c)
		ch.Release(c)
		if !more {
			return
		}
	}
	t.Fatal("timed out waiting for completions")
}

func TestDecoder_EndOfStreamBeforePoolKeepsFrames(t *testing.T) {
	size := 352 * 288 * 3 / 2
	frames := make([]byte, 2*size)
	for i := range frames {
		frames[i] = byte(i / size)
	}
	script := fakeFFmpeg(t, frames)

	d := NewDecoder(DecoderConfig{FFmpegPath: script, QueueDepth: 8})
	defer d.Close()

	units := [][]byte{testSPS, testPPS, {0x65, 0x88, 0x84}}
	for i, u := range units {
		require.NoError(t, d.Enqueue(&ports.Task{Slot: i, Input: u}))
	}
	require.NoError(t, d.Enqueue(&ports.Task{Slot: 3, EOS: true}))

	// Let every input be consumed and the end of stream reach the reader
	// before the pool exists.
	var format *ports.FrameFormat
	consumed := 0
	poll(t, d, func(c *ports.Completion) bool {
		if c.Format != nil {
			format = c.Format
		}
		consumed++
		return consumed < len(units)
	})
	require.NotNil(t, format)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, d.ConfigureOutputPool(*format))

	var got [][]byte
	poll(t, d, func(c *ports.Completion) bool {
		for _, u := range c.Units {
			got = append(got, bytes.Clone(u.Data))
		}
		return !c.EOS
	})
	require.Equal(t, [][]byte{frames[:size], frames[size:]}, got)
}

func TestDecoder_ProcessFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	script := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat > /dev/null\necho boom >&2\nexit 1\n"), 0o755))

	stream, err := h264.AnnexB{testSPS, testPPS, {0x65, 0x88}}.Marshal()
	require.NoError(t, err)
	r, err := annexb.NewReaderFrom(bytes.NewReader(stream), annexb.WithBufferSize(64))
	require.NoError(t, err)

	d := NewDecoder(DecoderConfig{FFmpegPath: script})
	defer d.Close()
	p := pipeline.New(d, &mocks.UnitSink{}, pipeline.WithBackoff(testBackoff()))

	err = pipeline.Run(context.Background(), pipeline.UnitSource(r), p)
	require.ErrorIs(t, err, ErrProcess)
	require.ErrorContains(t, err, "boom")
}

func TestEncoder_RequiresGeometry(t *testing.T) {
	e := NewEncoder(EncoderConfig{})
	defer e.Close()
	require.ErrorIs(t, e.Enqueue(&ports.Task{Input: []byte{1}}), ErrNoGeometry)
}

func TestEncoder_EmptyStream(t *testing.T) {
	e := NewEncoder(EncoderConfig{})
	defer e.Close()

	require.NoError(t, e.Enqueue(&ports.Task{Slot: 0, EOS: true}))
	c, err := e.Dequeue()
	require.NoError(t, err)
	require.True(t, c.EOS)
	require.Nil(t, e.Header())
}

func TestEncoder_FakeProcess(t *testing.T) {
	sei := []byte{0x06, 0x05, 0x02, 0xaa, 0xbb}
	idr := []byte{0x65, 0x88, 0x84, 0x21}
	nonIDR := []byte{0x41, 0x9a, 0x22}
	out, err := h264.AnnexB{testSPS, testPPS, sei, idr, nonIDR}.Marshal()
	require.NoError(t, err)
	script := fakeFFmpeg(t, out)

	data := make([]byte, 48)
	fr := planar.NewReader(bytes.NewReader(data), 4, 4)
	frame, err := fr.Alloc()
	require.NoError(t, err)

	e := NewEncoder(EncoderConfig{FFmpegPath: script})
	defer e.Close()
	sink := &mocks.UnitSink{}
	p := pipeline.New(e, sink, pipeline.WithBackoff(testBackoff()))

	require.NoError(t, pipeline.Run(context.Background(), pipeline.FrameSource(fr, frame, nil), p))

	header, err := h264.AnnexB{testSPS, testPPS}.Marshal()
	require.NoError(t, err)
	require.Equal(t, header, e.Header())
	require.Equal(t, ports.FrameFormat{Width: 4, Height: 4, HorStride: 4, VerStride: 4}, e.Format())

	sc := []byte{0, 0, 0, 1}
	require.Equal(t, [][]byte{
		header,
		append(sc, sei...),
		append(sc, idr...),
		append(sc, nonIDR...),
	}, sink.Data())
	require.True(t, sink.Units[1].Keyframe)
	require.False(t, sink.Units[3].Keyframe)
}
