package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/internal/session"
)

// writeTimeout bounds one outbound WebSocket write. A peer that cannot
// drain a 20 ms audio frame within this window is effectively gone.
const writeTimeout = 5 * time.Second

// Writer is the session's outbound sink for one call connection. All writes
// go through one mutex so the session is the connection's only effective
// writer, even while a reply task streams frames concurrently with
// transcript notifications from the event loop.
type Writer struct {
	streamSID string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWriter wraps conn for the stream identified by streamSID.
func NewWriter(conn *websocket.Conn, streamSID string) *Writer {
	return &Writer{conn: conn, streamSID: streamSID}
}

func (w *Writer) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// SendReady implements session.Outbound.
func (w *Writer) SendReady() error {
	data, err := EncodeReady(w.streamSID)
	if err != nil {
		return fmt.Errorf("transport: encode ready: %w", err)
	}
	return w.write(data)
}

// SendMedia implements session.Outbound.
func (w *Writer) SendMedia(frame []byte) error {
	data, err := EncodeMedia(w.streamSID, frame)
	if err != nil {
		return fmt.Errorf("transport: encode media: %w", err)
	}
	return w.write(data)
}

// SendTranscript implements session.Outbound.
func (w *Writer) SendTranscript(text string, isFinal bool) error {
	data, err := EncodeTranscript(w.streamSID, text, isFinal)
	if err != nil {
		return fmt.Errorf("transport: encode transcript: %w", err)
	}
	return w.write(data)
}

// SendStopped implements session.Outbound.
func (w *Writer) SendStopped() error {
	data, err := EncodeStopped(w.streamSID)
	if err != nil {
		return fmt.Errorf("transport: encode stopped: %w", err)
	}
	return w.write(data)
}

var _ session.Outbound = (*Writer)(nil)
