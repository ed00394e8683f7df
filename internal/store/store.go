// Package store defines the persistence collaborators of the call pipeline:
// call records and transcripts with summaries. The session invokes these at
// call start and teardown; failures are logged by the caller and never take
// down other calls.
package store

import (
	"context"
	"time"
)

// Call lifecycle status values, matching the call-record conventions of the
// telephony platform.
const (
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
)

// Call is one call record.
type Call struct {
	// ID is the platform call identifier (callSid).
	ID string

	// OwnerID is the authenticated owner of the call. Empty for
	// unauthenticated calls.
	OwnerID string

	StartedAt time.Time
	Status    string

	// Duration is set when the call completes.
	Duration time.Duration
}

// TranscriptEntry is one line of a call transcript, caller utterance or
// assistant reply.
type TranscriptEntry struct {
	// Speaker is "caller" or "assistant".
	Speaker string

	Text string

	// At is when the line was finalized. Entries of one call are strictly
	// ordered by At.
	At time.Time

	// Confidence is the recognizer confidence for caller lines; 1 for
	// assistant lines.
	Confidence float64
}

// Summary is the structured post-call summary.
type Summary struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"keyPoints"`
	ActionItems []string `json:"actionItems"`
	Sentiment   string   `json:"sentiment"`
}

// CallStore persists call records.
type CallStore interface {
	CreateCall(ctx context.Context, call Call) error
	UpdateCallStatus(ctx context.Context, callID, status string, duration time.Duration) error
}

// TranscriptStore persists transcripts and summaries.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, callID string, entries []TranscriptEntry) error
	SaveSummary(ctx context.Context, callID string, summary Summary) error
}
