// Package registry tracks all live bridged terminal sessions. It is the
// single owner of session records: a bridge operates on a session by
// reference but never outlives the registry entry, and forced termination
// (admin deletes, link revocation enforcement) goes through here.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/termgate/termgate/internal/gateerr"
)

// Authorizer answers open-time permission checks. Implemented by
// authz.Index.
type Authorizer interface {
	IsAuthorized(userID, serverID uint) bool
}

// Session is one live bridged terminal connection. Its context is canceled
// exactly once when the session closes; the bridge and transport use it as
// the wake-up signal for blocked reads.
type Session struct {
	ID       string
	UserID   uint
	ServerID uint
	OpenedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	reg       *Registry
	closeOnce sync.Once
}

// Context is canceled when the session is closed, naturally or forcibly.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close tears the session down and releases the registry slot. Idempotent:
// concurrent closes from the bridge and an admin action release exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.reg.remove(s.ID)
		log.Printf("[registry] session %s closed (user=%d server=%d)", s.ID, s.UserID, s.ServerID)
	})
}

// Registry is the session table. Only metadata is behind the mutex; the
// byte relay of independent sessions never contends here.
type Registry struct {
	authz Authorizer

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(authz Authorizer) *Registry {
	return &Registry{
		authz:    authz,
		sessions: make(map[string]*Session),
	}
}

// Open authorizes (user, server) and registers a fresh session. The session
// is registered before the caller starts bridging, so termination requests
// can find it even while the remote connection is still being established.
// Authorization failure returns ErrPermissionDenied with no further detail.
func (r *Registry) Open(ctx context.Context, userID, serverID uint) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.authz.IsAuthorized(userID, serverID) {
		return nil, gateerr.ErrPermissionDenied
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:       uuid.New().String(),
		UserID:   userID,
		ServerID: serverID,
		OpenedAt: time.Now(),
		ctx:      sessCtx,
		cancel:   cancel,
		reg:      r,
	}
	r.sessions[s.ID] = s
	log.Printf("[registry] session %s opened (user=%d server=%d)", s.ID, userID, serverID)
	return s, nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns a live session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Close force-terminates a session by id. Closing an unknown id returns
// ErrNotFound; closing a session twice is harmless.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("close session %q: %w", id, gateerr.ErrNotFound)
	}
	s.Close()
	return nil
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAllForServer force-terminates every session targeting the server.
// Called when a server is deleted.
func (r *Registry) CloseAllForServer(serverID uint) {
	for _, s := range r.collect(func(s *Session) bool { return s.ServerID == serverID }) {
		s.Close()
	}
}

// CloseAllForUser force-terminates every session opened by the user. Called
// when a user is deleted or loses group membership.
func (r *Registry) CloseAllForUser(userID uint) {
	for _, s := range r.collect(func(s *Session) bool { return s.UserID == userID }) {
		s.Close()
	}
}

// CloseAll force-terminates everything; used during shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.collect(func(*Session) bool { return true }) {
		s.Close()
	}
}

func (r *Registry) collect(match func(*Session) bool) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}
