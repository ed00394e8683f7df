package audio

import (
	"context"
	"time"
)

// Stream slices a µ-law buffer into frameBytes-sized frames and emits them
// on the returned channel no faster than real-time playback at sampleRate
// (one µ-law byte per sample). The first frame is emitted immediately; each
// subsequent frame waits one frame duration. A short final frame is padded
// with µ-law silence so every emitted frame is exactly frameBytes long.
//
// The channel is closed when the buffer is exhausted or ctx is cancelled.
// Cancellation takes effect at a frame boundary: no partial frame is ever
// emitted, and nothing further is emitted after ctx is done.
func Stream(ctx context.Context, buf []byte, frameBytes, sampleRate int) <-chan []byte {
	out := make(chan []byte)
	frameDur := time.Duration(frameBytes) * time.Second / time.Duration(sampleRate)

	go func() {
		defer close(out)
		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()

		for off := 0; off < len(buf); off += frameBytes {
			frame := make([]byte, frameBytes)
			n := copy(frame, buf[off:])
			for i := n; i < frameBytes; i++ {
				frame[i] = MulawSilence
			}

			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}

			if off+frameBytes < len(buf) {
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
