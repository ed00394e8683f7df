package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testFactory() Factory {
	return func(callID, ownerID string, out Outbound) (*Session, error) {
		return New(Deps{CallID: callID, OwnerID: ownerID, Outbound: out}, testConfig())
	}
}

func TestRegistryCreateAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testFactory())
	s, err := r.Create("CA1", "user-1", &testSink{})
	if err != nil {
		t.Fatal(err)
	}
	if s.CallID() != "CA1" || s.OwnerID() != "user-1" {
		t.Errorf("session = %s/%s", s.CallID(), s.OwnerID())
	}

	got, ok := r.Get("CA1")
	if !ok || got != s {
		t.Error("Get did not return the created session")
	}
	if _, ok := r.Get("CA2"); ok {
		t.Error("Get returned a session for an unknown call")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryDuplicateCreateRace(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testFactory())

	const attempts = 20
	var (
		wg         sync.WaitGroup
		success    int
		duplicates int
		mu         sync.Mutex
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create("CA-race", "user-1", &testSink{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrDuplicateSession):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("successful creates = %d, want exactly 1", success)
	}
	if duplicates != attempts-1 {
		t.Errorf("duplicate rejections = %d, want %d", duplicates, attempts-1)
	}
}

func TestRegistryOwnerIndex(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testFactory())
	for _, call := range []struct{ callID, owner string }{
		{"CA1", "alice"},
		{"CA2", "alice"},
		{"CA3", "bob"},
		{"CA4", ""},
	} {
		if _, err := r.Create(call.callID, call.owner, &testSink{}); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(r.ListByOwner("alice")); got != 2 {
		t.Errorf("alice owns %d sessions, want 2", got)
	}
	if got := len(r.ListByOwner("bob")); got != 1 {
		t.Errorf("bob owns %d sessions, want 1", got)
	}
	if got := len(r.ListByOwner("nobody")); got != 0 {
		t.Errorf("nobody owns %d sessions, want 0", got)
	}
	// Unauthenticated sessions are reachable by call ID but never by owner.
	if got := len(r.ListByOwner("")); got != 0 {
		t.Errorf("empty owner lists %d sessions, want 0", got)
	}

	r.Remove("CA1")
	if got := len(r.ListByOwner("alice")); got != 1 {
		t.Errorf("alice owns %d sessions after remove, want 1", got)
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
}

func TestRegistryRemovesEntryOnSessionClose(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testFactory())
	s, err := r.Create("CA-close", "user-1", &testSink{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}

	if _, ok := r.Get("CA-close"); ok {
		t.Error("registry still holds the closed session")
	}
	if got := len(r.ListByOwner("user-1")); got != 0 {
		t.Errorf("owner index still lists %d sessions", got)
	}
}

func TestRegistryCloseByOwner(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testFactory())
	for _, callID := range []string{"CA1", "CA2"} {
		s, err := r.Create(callID, "alice", &testSink{})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	keep, err := r.Create("CA3", "bob", &testSink{})
	if err != nil {
		t.Fatal(err)
	}
	if err := keep.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer keep.Close()

	closed := r.CloseByOwner("alice")
	if len(closed) != 2 {
		t.Fatalf("CloseByOwner returned %d sessions, want 2", len(closed))
	}
	for _, s := range closed {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("session %s did not close", s.CallID())
		}
	}

	if got := len(r.ListByOwner("alice")); got != 0 {
		t.Errorf("alice still owns %d sessions", got)
	}
	if _, ok := r.Get("CA3"); !ok {
		t.Error("unrelated session was torn down")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testFactory())
	for _, callID := range []string{"CA1", "CA2", "CA3"} {
		s, err := r.Create(callID, "", &testSink{})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	sessions := r.CloseAll()
	if len(sessions) != 3 {
		t.Fatalf("CloseAll returned %d sessions, want 3", len(sessions))
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("session %s did not close", s.CallID())
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after CloseAll, want 0", r.Len())
	}
}

func TestRegistryFactoryError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	r := NewRegistry(func(_, _ string, _ Outbound) (*Session, error) {
		return nil, wantErr
	})
	if _, err := r.Create("CA1", "", &testSink{}); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want factory error", err)
	}
	if r.Len() != 0 {
		t.Error("failed create left a registry entry")
	}
}
