package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/user/h264pipe/pkg/adapters/loopback"
	"github.com/user/h264pipe/pkg/bytesource"
	"github.com/user/h264pipe/pkg/mocks"
	"github.com/user/h264pipe/pkg/pipeline"
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

func testConfig(in, out string) Config {
	config := DefaultConfig()
	config.InputPath = in
	config.OutputPath = out
	config.BufferSize = 32
	config.Backoff = pipeline.Backoff{Attempts: 2, Delay: time.Millisecond, Sleep: func(time.Duration) {}}
	return config
}

func channel(ch ports.CodecChannel) ChannelFactory {
	return func() (ports.CodecChannel, error) { return ch, nil }
}

func marshal(t *testing.T, units ...[]byte) []byte {
	t.Helper()
	buf, err := h264.AnnexB(units).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf
}

func TestContainerFor(t *testing.T) {
	tests := []struct {
		path string
		want Container
	}{
		{"out.mp4", ContainerMP4},
		{"OUT.MP4", ContainerMP4},
		{"out.h264", ContainerRaw},
		{"out", ContainerRaw},
	}
	for _, tt := range tests {
		if got := ContainerFor(tt.path); got != tt.want {
			t.Errorf("ContainerFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestOrchestrator_Demux(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.h264", marshal(t, testSPS, testPPS, []byte{0x65, 0x88, 0x84}, []byte{0x41, 0x9a}))

	orch := New(nil, nil, fs, mocks.NewLogger())

	var infos []UnitInfo
	result, err := orch.Demux(context.Background(), testConfig("in.h264", ""), func(info UnitInfo) {
		infos = append(infos, info)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.UnitsRead != 4 {
		t.Errorf("expected 4 units, got %d", result.UnitsRead)
	}
	wantTypes := []byte{7, 8, 5, 1}
	for i, info := range infos {
		if info.Index != i || info.Type != wantTypes[i] {
			t.Errorf("unit %d: got %+v", i, info)
		}
	}
	if infos[0].Size != len(testSPS) {
		t.Errorf("expected SPS size %d, got %d", len(testSPS), infos[0].Size)
	}
	if result.Refills == 0 {
		t.Error("expected the small buffer to be refilled")
	}
}

func TestOrchestrator_Demux_Malformed(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("bad.h264", []byte{0x00, 0x00, 0x01, 0x65})

	orch := New(nil, nil, fs, mocks.NewLogger())
	_, err := orch.Demux(context.Background(), testConfig("bad.h264", ""), func(UnitInfo) {})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestOrchestrator_Decode_Loopback(t *testing.T) {
	stream := marshal(t, testSPS, testPPS, []byte{0x65, 0x88, 0x84}, []byte{0x41, 0x9a}, []byte{0x41, 0x9b})
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.h264", stream)

	ch := loopback.New(loopback.Config{Mode: loopback.Decode, QueueDepth: 2, Latency: 1})
	orch := New(channel(ch), nil, fs, mocks.NewLogger())

	result, err := orch.Decode(context.Background(), testConfig("in.h264", "out.h264"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, ok := fs.GetFile("out.h264")
	if !ok {
		t.Fatal("expected output file")
	}
	if !bytes.Equal(data, stream) {
		t.Errorf("expected output to reproduce the stream")
	}
	if result.UnitsRead != 5 || result.UnitsWritten != 5 {
		t.Errorf("expected 5 units in and out, got %d and %d", result.UnitsRead, result.UnitsWritten)
	}
}

func TestOrchestrator_Decode_WithoutOutput(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.h264", marshal(t, testSPS, testPPS, []byte{0x65, 0x88}))

	orch := New(channel(loopback.New(loopback.Config{Mode: loopback.Decode})), nil, fs, mocks.NewLogger())

	result, err := orch.Decode(context.Background(), testConfig("in.h264", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.UnitsWritten != 3 {
		t.Errorf("expected 3 units, got %d", result.UnitsWritten)
	}
	if n := len(fs.GetAllFiles()); n != 1 {
		t.Errorf("expected only the input file, got %d files", n)
	}
}

func TestOrchestrator_Decode_Thumbnail(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.h264", marshal(t, testSPS, []byte{0x65, 0x88}))

	f := ports.FrameFormat{Width: 4, Height: 2, HorStride: 4, VerStride: 2}
	frame := bytes.Repeat([]byte{0x80}, 12)

	var pending []*ports.Task
	ch := &mocks.CodecChannel{
		EnqueueFunc: func(task *ports.Task) error {
			pending = append(pending, task)
			return nil
		},
		DequeueFunc: func() (*ports.Completion, error) {
			if len(pending) == 0 {
				return nil, nil
			}
			task := pending[0]
			pending = pending[1:]
			c := &ports.Completion{Slot: task.Slot, EOS: task.EOS}
			if !task.EOS {
				c.Format = &f
				c.Units = []ports.Unit{{Data: frame, Format: f}}
			}
			return c, nil
		},
	}

	orch := New(channel(ch), nil, fs, mocks.NewLogger())
	config := testConfig("in.h264", "out.yuv")
	config.ThumbnailPath = "thumb.png"

	result, err := orch.Decode(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Thumbnail {
		t.Error("expected thumbnail to be saved")
	}
	if ok, _ := fs.Exists("thumb.png"); !ok {
		t.Error("expected thumbnail file")
	}
	if result.Format != f {
		t.Errorf("expected format %+v, got %+v", f, result.Format)
	}
	data, _ := fs.GetFile("out.yuv")
	if len(data) != 24 {
		t.Errorf("expected two 12 byte frames, got %d bytes", len(data))
	}
	if !ch.Closed {
		t.Error("expected channel to be closed")
	}
}

func TestOrchestrator_Decode_MissingInput(t *testing.T) {
	orch := New(channel(loopback.New(loopback.Config{})), nil, mocks.NewFileSystem(), mocks.NewLogger())

	_, err := orch.Decode(context.Background(), testConfig("missing.h264", "out.h264"))
	if !errors.Is(err, bytesource.ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
}

func TestOrchestrator_Decode_FactoryError(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.h264", marshal(t, []byte{0x65}))

	boom := errors.New("no device")
	orch := New(func() (ports.CodecChannel, error) { return nil, boom }, nil, fs, mocks.NewLogger())

	_, err := orch.Decode(context.Background(), testConfig("in.h264", "out.h264"))
	if !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestOrchestrator_Encode_Raw(t *testing.T) {
	fs := mocks.NewFileSystem()
	frames := append(bytes.Repeat([]byte{0x65}, 24), bytes.Repeat([]byte{0x41}, 24)...)
	fs.WriteFile("in.yuv", frames)

	header := marshal(t, testSPS, testPPS)
	ch := loopback.New(loopback.Config{Mode: loopback.Encode, GOP: 2, Header: header})
	orch := New(nil, channel(ch), fs, mocks.NewLogger())

	config := testConfig("in.yuv", "out.h264")
	config.Width, config.Height = 4, 4

	result, err := orch.Encode(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FramesRead != 2 || result.UnitsWritten != 2 || result.Headers != 1 {
		t.Errorf("unexpected result %+v", result)
	}

	want := append(append([]byte{}, header...), marshal(t, frames[:24], frames[24:])...)
	data, _ := fs.GetFile("out.h264")
	if !bytes.Equal(data, want) {
		t.Errorf("unexpected output %x", data)
	}
}

func TestOrchestrator_Encode_MP4(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.yuv", bytes.Repeat([]byte{0x65}, 3*24))

	ch := loopback.New(loopback.Config{Mode: loopback.Encode, Header: marshal(t, testSPS, testPPS)})
	orch := New(nil, channel(ch), fs, mocks.NewLogger())

	config := testConfig("in.yuv", "out.mp4")
	config.Width, config.Height = 4, 4
	config.Container = ContainerFor(config.OutputPath)

	result, err := orch.Encode(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FramesRead != 3 {
		t.Errorf("expected 3 frames, got %d", result.FramesRead)
	}

	data, _ := fs.GetFile("out.mp4")
	if len(data) < 8 || string(data[4:8]) != "ftyp" {
		t.Errorf("expected an MP4 file, got %x", data)
	}
}

func TestOrchestrator_Encode_PartialFrameWarns(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.yuv", bytes.Repeat([]byte{0x65}, 24+5))

	log := mocks.NewLogger()
	orch := New(nil, channel(loopback.New(loopback.Config{Mode: loopback.Encode})), fs, log)

	config := testConfig("in.yuv", "out.h264")
	config.Width, config.Height = 4, 4

	result, err := orch.Encode(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FramesRead != 1 {
		t.Errorf("expected 1 frame, got %d", result.FramesRead)
	}
	if len(log.Entries(ports.LevelWarn)) == 0 {
		t.Error("expected a warning about the partial frame")
	}
}

func TestOrchestrator_Encode_Cancelled(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.yuv", make([]byte, 24))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := New(nil, channel(loopback.New(loopback.Config{Mode: loopback.Encode})), fs, mocks.NewLogger())
	config := testConfig("in.yuv", "out.h264")
	config.Width, config.Height = 4, 4

	_, err := orch.Encode(ctx, config)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, ok := fs.GetFile("out.h264"); ok {
		t.Error("expected the partial output to be removed")
	}
}

func TestOrchestrator_Decode_FailureRemovesOutput(t *testing.T) {
	fs := mocks.NewFileSystem()
	fs.WriteFile("in.h264", marshal(t, testSPS, testPPS, []byte{0x65, 0x88}))

	boom := errors.New("device lost")
	calls := 0
	ch := &mocks.CodecChannel{}
	ch.EnqueueFunc = func(task *ports.Task) error {
		calls++
		if calls > 2 {
			return boom
		}
		return nil
	}
	ch.DequeueFunc = func() (*ports.Completion, error) { return nil, nil }

	removed := ""
	fs.RemoveFunc = func(path string) error {
		removed = path
		return nil
	}

	orch := New(channel(ch), nil, fs, mocks.NewLogger())
	_, err := orch.Decode(context.Background(), testConfig("in.h264", "out.yuv"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected channel error, got %v", err)
	}
	if removed != "out.yuv" {
		t.Errorf("expected out.yuv to be removed, got %q", removed)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	d := DefaultConfig()
	if c.Slots != d.Slots || c.BufferSize != d.BufferSize || c.Alignment != d.Alignment || c.Container != ContainerRaw {
		t.Errorf("unexpected defaults %+v", c)
	}
}
