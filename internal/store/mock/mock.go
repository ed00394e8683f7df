// Package mock provides in-memory test doubles for the store interfaces.
// Every call is recorded for inspection; configured errors are returned
// verbatim.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/internal/store"
)

// StatusUpdate records a single invocation of CallStore.UpdateCallStatus.
type StatusUpdate struct {
	CallID   string
	Status   string
	Duration time.Duration
}

// SavedTranscript records a single invocation of TranscriptStore.SaveTranscript.
type SavedTranscript struct {
	CallID  string
	Entries []store.TranscriptEntry
}

// SavedSummary records a single invocation of TranscriptStore.SaveSummary.
type SavedSummary struct {
	CallID  string
	Summary store.Summary
}

// Store is a mock implementation of store.CallStore and store.TranscriptStore.
type Store struct {
	mu sync.Mutex

	// CreateCallErr, UpdateStatusErr, SaveTranscriptErr, SaveSummaryErr are
	// returned by the corresponding methods when non-nil.
	CreateCallErr     error
	UpdateStatusErr   error
	SaveTranscriptErr error
	SaveSummaryErr    error

	// Call records.
	CreatedCalls     []store.Call
	StatusUpdates    []StatusUpdate
	SavedTranscripts []SavedTranscript
	SavedSummaries   []SavedSummary
}

// CreateCall implements store.CallStore.
func (s *Store) CreateCall(_ context.Context, call store.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreatedCalls = append(s.CreatedCalls, call)
	return s.CreateCallErr
}

// UpdateCallStatus implements store.CallStore.
func (s *Store) UpdateCallStatus(_ context.Context, callID, status string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatusUpdates = append(s.StatusUpdates, StatusUpdate{CallID: callID, Status: status, Duration: duration})
	return s.UpdateStatusErr
}

// SaveTranscript implements store.TranscriptStore.
func (s *Store) SaveTranscript(_ context.Context, callID string, entries []store.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]store.TranscriptEntry, len(entries))
	copy(cp, entries)
	s.SavedTranscripts = append(s.SavedTranscripts, SavedTranscript{CallID: callID, Entries: cp})
	return s.SaveTranscriptErr
}

// SaveSummary implements store.TranscriptStore.
func (s *Store) SaveSummary(_ context.Context, callID string, summary store.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SavedSummaries = append(s.SavedSummaries, SavedSummary{CallID: callID, Summary: summary})
	return s.SaveSummaryErr
}

// Snapshot helpers, all thread-safe.

func (s *Store) CreatedCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.CreatedCalls)
}

func (s *Store) LastStatusUpdate() (StatusUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.StatusUpdates) == 0 {
		return StatusUpdate{}, false
	}
	return s.StatusUpdates[len(s.StatusUpdates)-1], true
}

func (s *Store) LastTranscript() (SavedTranscript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SavedTranscripts) == 0 {
		return SavedTranscript{}, false
	}
	return s.SavedTranscripts[len(s.SavedTranscripts)-1], true
}

func (s *Store) LastSummary() (SavedSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SavedSummaries) == 0 {
		return SavedSummary{}, false
	}
	return s.SavedSummaries[len(s.SavedSummaries)-1], true
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreatedCalls = nil
	s.StatusUpdates = nil
	s.SavedTranscripts = nil
	s.SavedSummaries = nil
}

// Compile-time interface checks.
var (
	_ store.CallStore       = (*Store)(nil)
	_ store.TranscriptStore = (*Store)(nil)
)
