package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateSession is returned by Create when a session already exists
// for the call ID. The existing session is kept.
var ErrDuplicateSession = errors.New("session: duplicate session for call")

// Factory builds a session for a new call. The registry installs its own
// OnClose on top of whatever the factory sets.
type Factory func(callID, ownerID string, out Outbound) (*Session, error)

// Registry is the process-wide index of live sessions, keyed by call ID with
// a secondary owner index. Safe for concurrent use.
type Registry struct {
	factory Factory

	mu      sync.RWMutex
	byCall  map[string]*Session
	byOwner map[string]map[string]*Session
}

// NewRegistry builds a registry using factory for Create.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		byCall:  make(map[string]*Session),
		byOwner: make(map[string]map[string]*Session),
	}
}

// Create builds and registers a session for callID. Exactly one concurrent
// Create per call ID wins; the rest fail with [ErrDuplicateSession].
func (r *Registry) Create(callID, ownerID string, out Outbound) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCall[callID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, callID)
	}

	s, err := r.factory(callID, ownerID, out)
	if err != nil {
		return nil, err
	}

	inner := s.deps.OnClose
	s.deps.OnClose = func(closed *Session) {
		r.Remove(closed.CallID())
		if inner != nil {
			inner(closed)
		}
	}

	r.byCall[callID] = s
	if ownerID != "" {
		if r.byOwner[ownerID] == nil {
			r.byOwner[ownerID] = make(map[string]*Session)
		}
		r.byOwner[ownerID][callID] = s
	}
	return s, nil
}

// Get returns the session for callID, or false.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCall[callID]
	return s, ok
}

// Remove drops the registry entry for callID. The session itself is not
// touched; teardown calls Remove via OnClose.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCall[callID]
	if !ok {
		return
	}
	delete(r.byCall, callID)
	if owned := r.byOwner[s.OwnerID()]; owned != nil {
		delete(owned, callID)
		if len(owned) == 0 {
			delete(r.byOwner, s.OwnerID())
		}
	}
}

// ListByOwner returns the live sessions belonging to ownerID.
func (r *Registry) ListByOwner(ownerID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owned := r.byOwner[ownerID]
	out := make([]*Session, 0, len(owned))
	for _, s := range owned {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}

// CloseByOwner requests graceful teardown of all sessions owned by ownerID
// and returns them so callers can await Done.
func (r *Registry) CloseByOwner(ownerID string) []*Session {
	sessions := r.ListByOwner(ownerID)
	for _, s := range sessions {
		s.Close()
	}
	return sessions
}

// CloseAll requests graceful teardown of every live session and returns
// them. Used during server shutdown to drain calls.
func (r *Registry) CloseAll() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byCall))
	for _, s := range r.byCall {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	return sessions
}
