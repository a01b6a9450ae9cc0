package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/termgate/termgate/internal/gateerr"
)

// allowAll authorizes every (user, server) pair.
type allowAll struct{}

func (allowAll) IsAuthorized(userID, serverID uint) bool { return true }

// allowPair authorizes exactly one pair.
type allowPair struct{ user, server uint }

func (a allowPair) IsAuthorized(userID, serverID uint) bool {
	return userID == a.user && serverID == a.server
}

func TestOpenDeniedFailsClosed(t *testing.T) {
	r := New(allowPair{user: 1, server: 2})

	if _, err := r.Open(context.Background(), 1, 3); !errors.Is(err, gateerr.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("denied open must not register a session, count=%d", r.Count())
	}
}

func TestOpenRegistersBeforeBridging(t *testing.T) {
	r := New(allowAll{})
	s, err := r.Open(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// The slot must be findable immediately, before any remote I/O happens.
	if got := r.Get(s.ID); got != s {
		t.Error("session not reachable by id right after Open")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	r := New(allowAll{})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := r.Open(context.Background(), 1, 2)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestCloseReleasesSlotAndCancelsContext(t *testing.T) {
	r := New(allowAll{})
	s, err := r.Open(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	s.Close()

	select {
	case <-s.Context().Done():
	default:
		t.Error("session context must be canceled on close")
	}
	if r.Get(s.ID) != nil {
		t.Error("closed session must not be findable")
	}
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}

	// Reopening yields a fresh id, never a recycled record.
	s2, err := r.Open(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.ID == s.ID {
		t.Error("reopened session must get a fresh id")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := New(allowAll{})
	s, _ := r.Open(context.Background(), 1, 2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}
}

func TestRegistryCloseByID(t *testing.T) {
	r := New(allowAll{})
	s, _ := r.Open(context.Background(), 1, 2)

	if err := r.Close(s.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(s.ID); !errors.Is(err, gateerr.ErrNotFound) {
		t.Errorf("closing a gone session: expected ErrNotFound, got %v", err)
	}
	if err := r.Close("no-such-id"); !errors.Is(err, gateerr.ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}
}

func TestCloseAllForServer(t *testing.T) {
	r := New(allowAll{})
	a, _ := r.Open(context.Background(), 1, 10)
	b, _ := r.Open(context.Background(), 2, 10)
	c, _ := r.Open(context.Background(), 1, 20)

	r.CloseAllForServer(10)

	if r.Get(a.ID) != nil || r.Get(b.ID) != nil {
		t.Error("sessions on server 10 must be gone")
	}
	if r.Get(c.ID) == nil {
		t.Error("session on server 20 must survive")
	}
}

func TestCloseAllForUser(t *testing.T) {
	r := New(allowAll{})
	a, _ := r.Open(context.Background(), 1, 10)
	b, _ := r.Open(context.Background(), 1, 20)
	c, _ := r.Open(context.Background(), 2, 10)

	r.CloseAllForUser(1)

	if r.Get(a.ID) != nil || r.Get(b.ID) != nil {
		t.Error("user 1 sessions must be gone")
	}
	if r.Get(c.ID) == nil {
		t.Error("user 2 session must survive")
	}
}

func TestCloseAll(t *testing.T) {
	r := New(allowAll{})
	for i := 0; i < 5; i++ {
		if _, err := r.Open(context.Background(), uint(i), uint(i)); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("count = %d, want 0", r.Count())
	}
}

func TestParentContextCancelPropagates(t *testing.T) {
	r := New(allowAll{})
	ctx, cancel := context.WithCancel(context.Background())
	s, _ := r.Open(ctx, 1, 2)

	cancel()
	select {
	case <-s.Context().Done():
	default:
		t.Error("parent cancellation must reach the session context")
	}
}
