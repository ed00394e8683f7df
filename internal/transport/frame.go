// Package transport terminates the telephony media-stream WebSocket. It
// parses the inbound event protocol (connected/start/media/stop/mark),
// forwards decoded events to the call's session, and writes the session's
// outbound envelopes (ready/media/transcript/stopped) back on the same
// connection.
package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformedFrame indicates an inbound media frame whose payload is not
// valid base64 or whose sequence metadata is missing. Malformed frames are
// dropped and counted; the call continues.
var ErrMalformedFrame = errors.New("transport: malformed media frame")

// SequenceNumber is the per-stream media frame counter. The telephony
// platform serialises it as a quoted decimal string; a bare number is
// accepted too.
type SequenceNumber uint64

// UnmarshalJSON implements json.Unmarshaler.
func (n *SequenceNumber) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		return fmt.Errorf("%w: empty sequence number", ErrMalformedFrame)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: sequence number %q", ErrMalformedFrame, s)
	}
	*n = SequenceNumber(v)
	return nil
}

// Envelope is one inbound protocol message. Exactly one of the payload
// fields is set, matching Event.
type Envelope struct {
	Event string        `json:"event"`
	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload announces a new call stream.
type StartPayload struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
	// CustomParameters carries stream parameters configured at the
	// telephony layer, including the authenticated user when present.
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaPayload carries one base64-encoded µ-law audio frame.
type MediaPayload struct {
	Payload        string          `json:"payload"`
	SequenceNumber *SequenceNumber `json:"sequenceNumber"`
}

// StopPayload announces the end of a call stream.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
	StreamSID  string `json:"streamSid"`
}

// MarkPayload is a playback position marker. Marks are acknowledged and
// otherwise ignored.
type MarkPayload struct {
	Name string `json:"name"`
}

// ParseEnvelope decodes one inbound protocol message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("transport: parse envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("transport: parse envelope: missing event kind")
	}
	return env, nil
}

// DecodeMedia extracts the raw audio payload and sequence number from a
// media event. Fails with [ErrMalformedFrame] when the payload is not valid
// base64 or the sequence number is absent.
func DecodeMedia(m *MediaPayload) ([]byte, uint64, error) {
	if m == nil {
		return nil, 0, fmt.Errorf("%w: no media payload", ErrMalformedFrame)
	}
	if m.SequenceNumber == nil {
		return nil, 0, fmt.Errorf("%w: missing sequence number", ErrMalformedFrame)
	}
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return payload, uint64(*m.SequenceNumber), nil
}

// Outbound envelope shapes. The stream SID ties every outbound message to
// the call stream it belongs to.

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundTranscript struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	Timestamp int64  `json:"timestamp"`
}

type outboundEnvelope struct {
	Event      string              `json:"event"`
	StreamSID  string              `json:"streamSid"`
	Media      *outboundMedia      `json:"media,omitempty"`
	Transcript *outboundTranscript `json:"transcript,omitempty"`
}

// EncodeReady builds the start acknowledgement.
func EncodeReady(streamSID string) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: "ready", StreamSID: streamSID})
}

// EncodeMedia builds an outbound audio frame envelope.
func EncodeMedia(streamSID string, payload []byte) ([]byte, error) {
	return json.Marshal(outboundEnvelope{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// EncodeTranscript builds a live-transcript envelope for client display.
func EncodeTranscript(streamSID, text string, isFinal bool) ([]byte, error) {
	return json.Marshal(outboundEnvelope{
		Event:     "transcript",
		StreamSID: streamSID,
		Transcript: &outboundTranscript{
			Text:      text,
			IsFinal:   isFinal,
			Timestamp: time.Now().UnixMilli(),
		},
	})
}

// EncodeStopped builds the stop acknowledgement.
func EncodeStopped(streamSID string) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: "stopped", StreamSID: streamSID})
}
