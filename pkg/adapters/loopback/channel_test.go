package loopback

import (
	"errors"
	"testing"

	"github.com/user/h264pipe/pkg/ports"
)

func TestChannel_QueueDepth(t *testing.T) {
	ch := New(Config{QueueDepth: 2})

	for i := 0; i < 2; i++ {
		if err := ch.Enqueue(&ports.Task{Slot: i, Input: []byte{byte(i)}}); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	err := ch.Enqueue(&ports.Task{Slot: 2})
	if !errors.Is(err, ports.ErrChannelFull) {
		t.Fatalf("expected ErrChannelFull, got %v", err)
	}
	if ch.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", ch.Pending())
	}
}

func TestChannel_DecodeReframesUnit(t *testing.T) {
	ch := New(Config{Mode: Decode})

	if err := ch.Enqueue(&ports.Task{Slot: 3, Input: []byte{0x65, 0x88}, Output: make([]byte, 16)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	c, err := ch.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if c.Slot != 3 {
		t.Errorf("expected slot 3, got %d", c.Slot)
	}
	if len(c.Units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(c.Units))
	}
	want := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88}
	if string(c.Units[0].Data) != string(want) {
		t.Errorf("expected %x, got %x", want, c.Units[0].Data)
	}
	if c.Format != nil {
		t.Error("expected no format announcement")
	}
}

func TestChannel_AllocatesWhenOutputTooSmall(t *testing.T) {
	ch := New(Config{})

	if err := ch.Enqueue(&ports.Task{Input: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	c, err := ch.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(c.Units[0].Data) != 7 {
		t.Errorf("expected 7 bytes, got %d", len(c.Units[0].Data))
	}
}

func TestChannel_Latency(t *testing.T) {
	ch := New(Config{Latency: 2})
	ch.Enqueue(&ports.Task{Input: []byte{1}})

	for i := 0; i < 2; i++ {
		if _, err := ch.Dequeue(); !errors.Is(err, ports.ErrTryAgain) {
			t.Fatalf("poll %d: expected ErrTryAgain, got %v", i, err)
		}
	}
	c, err := ch.Dequeue()
	if err != nil || c == nil {
		t.Fatalf("expected completion, got %v, %v", c, err)
	}
}

func TestChannel_EmptyDequeue(t *testing.T) {
	ch := New(Config{Latency: 3})
	c, err := ch.Dequeue()
	if c != nil || err != nil {
		t.Errorf("expected nil, nil; got %v, %v", c, err)
	}
}

func TestChannel_FormatAnnouncedOnce(t *testing.T) {
	f := ports.FrameFormat{Width: 16, Height: 16, HorStride: 16, VerStride: 16}
	ch := New(Config{Format: f})
	ch.Enqueue(&ports.Task{Slot: 0, Input: []byte{1}})
	ch.Enqueue(&ports.Task{Slot: 1, Input: []byte{2}})

	first, _ := ch.Dequeue()
	second, _ := ch.Dequeue()
	if first.Format == nil || *first.Format != f {
		t.Errorf("expected first completion to announce %v", f)
	}
	if second.Format != nil {
		t.Error("expected second completion without format")
	}

	if err := ch.ConfigureOutputPool(f); err != nil {
		t.Fatalf("ConfigureOutputPool failed: %v", err)
	}
	got, ok := ch.Configured()
	if !ok || got != f {
		t.Errorf("expected configured %v, got %v", f, got)
	}
}

func TestChannel_EncodeKeyframes(t *testing.T) {
	ch := New(Config{Mode: Encode, GOP: 3, QueueDepth: 8})
	for i := 0; i < 7; i++ {
		ch.Enqueue(&ports.Task{Slot: i % 4, Input: []byte{byte(i)}})
	}

	var keyframes []int
	for i := 0; i < 7; i++ {
		c, err := ch.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if c.Units[0].Keyframe {
			keyframes = append(keyframes, i)
		}
	}
	if len(keyframes) != 3 || keyframes[0] != 0 || keyframes[1] != 3 || keyframes[2] != 6 {
		t.Errorf("expected keyframes at 0, 3, 6; got %v", keyframes)
	}

	if err := ch.ConfigureOutputPool(ports.FrameFormat{Width: 2, Height: 2}); err == nil {
		t.Error("expected error configuring a pool in encode mode")
	}
}

func TestChannel_EndOfStream(t *testing.T) {
	ch := New(Config{})
	ch.Enqueue(&ports.Task{Slot: 1, EOS: true})

	c, err := ch.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !c.EOS || c.Slot != 1 || len(c.Units) != 0 {
		t.Errorf("unexpected completion %+v", c)
	}
}

func TestChannel_Close(t *testing.T) {
	ch := New(Config{})
	ch.Enqueue(&ports.Task{Input: []byte{1}})

	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ch.Pending() != 0 {
		t.Error("expected pending tasks to be dropped")
	}
	if err := ch.Enqueue(&ports.Task{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
