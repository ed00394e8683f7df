// Package stt defines the streaming transcription contract used by call
// sessions. A Provider opens one recognizer stream per call; the returned
// SessionHandle accepts µ-law audio chunks and emits interim and final
// transcripts on a single ordered channel.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrChannelUnavailable indicates the recognizer refused or dropped the
// streaming channel. Sessions that hit this at start run in a degraded mode
// without transcription instead of failing the call.
var ErrChannelUnavailable = errors.New("stt: transcription channel unavailable")

// Transcript is one recognizer emission. Interim transcripts (IsFinal false)
// revise each other; a final transcript settles the utterance.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// Start and Duration locate the utterance within the call audio, when the
	// recognizer reports timing. Zero otherwise.
	Start    time.Duration
	Duration time.Duration
}

// StreamConfig describes the audio that will be sent on a stream.
type StreamConfig struct {
	// Encoding is the wire codec of the audio chunks (e.g. "mulaw").
	Encoding string

	// SampleRate in Hz (8000 for telephone audio).
	SampleRate int

	Channels int
	Language string

	// InterimResults requests partial transcripts before each final.
	InterimResults bool
}

// SessionHandle is one live recognizer stream.
//
// SendAudio never blocks on the network: chunks are enqueued and may be
// dropped when the writer is backlogged. Events returns the same channel on
// every call; it delivers transcripts in recognizer emission order and is
// closed when the stream ends. Close is idempotent and safe to call
// concurrently with SendAudio.
type SessionHandle interface {
	SendAudio(chunk []byte) error
	Events() <-chan Transcript
	Close() error
}

// Provider opens recognizer streams.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
