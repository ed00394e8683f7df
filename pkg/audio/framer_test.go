package audio

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestStreamOrderingAndPadding(t *testing.T) {
	t.Parallel()

	buf := []byte{1, 2, 3, 4, 5}
	ch := Stream(context.Background(), buf, 2, 8000)

	var frames [][]byte
	for f := range ch {
		frames = append(frames, f)
	}

	want := [][]byte{{1, 2}, {3, 4}, {5, MulawSilence}}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i := range want {
		if !bytes.Equal(frames[i], want[i]) {
			t.Errorf("frame %d = %v, want %v", i, frames[i], want[i])
		}
	}
}

func TestStreamEmptyBuffer(t *testing.T) {
	t.Parallel()

	ch := Stream(context.Background(), nil, 160, 8000)
	select {
	case f, ok := <-ch:
		if ok {
			t.Fatalf("unexpected frame %v from empty buffer", f)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed for empty buffer")
	}
}

func TestStreamPacing(t *testing.T) {
	t.Parallel()

	// 4 frames of 160 bytes at 8 kHz: 20 ms cadence, so the stream must take
	// at least 3 inter-frame gaps to complete.
	buf := make([]byte, 640)
	start := time.Now()
	n := 0
	for range Stream(context.Background(), buf, 160, 8000) {
		n++
	}
	elapsed := time.Since(start)

	if n != 4 {
		t.Fatalf("got %d frames, want 4", n)
	}
	if min := 55 * time.Millisecond; elapsed < min {
		t.Errorf("stream completed in %v, want at least %v (real-time pacing)", elapsed, min)
	}
}

func TestStreamCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	buf := make([]byte, 160*50)
	ch := Stream(ctx, buf, 160, 8000)

	// Take the first frame, then cancel mid-stream.
	if _, ok := <-ch; !ok {
		t.Fatal("expected at least one frame")
	}
	cancel()

	n := 1
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				if n >= 50 {
					t.Fatalf("received all %d frames despite cancellation", n)
				}
				return
			}
			if len(f) != 160 {
				t.Fatalf("partial frame of %d bytes after cancellation", len(f))
			}
			n++
		case <-deadline:
			t.Fatal("channel not closed after cancellation")
		}
	}
}
