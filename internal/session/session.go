// Package session resolves the persistent (session_id, provider, last_used,
// error_count) record for a feature, backed by the supervisor state's
// active_sessions map. The open/get/close idiom here mirrors a registry of
// open per-entity handles keyed by a logical ID, just applied to provider
// stickiness instead of log files.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/foundry/internal/types"
)

// Resolver is a mutex-protected, in-memory view over a SupervisorState's
// ActiveSessions map, loaded at iteration start and flushed back into the
// state document at iteration end.
type Resolver struct {
	mu       sync.Mutex
	sessions map[string]types.Session
}

// NewResolver seeds a Resolver from a SupervisorState's active sessions map.
func NewResolver(existing map[string]types.Session) *Resolver {
	sessions := make(map[string]types.Session, len(existing))
	for k, v := range existing {
		sessions[k] = v
	}
	return &Resolver{sessions: sessions}
}

// Resolve returns the session for featureID, creating one bound to provider
// if none exists yet.
func (r *Resolver) Resolve(featureID, provider string) types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[featureID]
	if !ok {
		s = types.Session{SessionID: uuid.New().String(), Provider: provider}
	}
	s.LastUsed = time.Now()
	r.sessions[featureID] = s
	return s
}

// RecordSuccess rotates the stored session id when the provider handed back a
// new one and clears the error count, keeping the session warm for the next
// iteration's prompt-cache reuse. An empty sessionID keeps the current id.
func (r *Resolver) RecordSuccess(featureID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[featureID]
	if sessionID != "" {
		s.SessionID = sessionID
	}
	s.ErrorCount = 0
	s.LastUsed = time.Now()
	r.sessions[featureID] = s
}

// RecordError increments the error count for featureID's session and, once it
// reaches threshold, discards the session entirely so the next Resolve call
// mints a fresh session id rather than keep handing a provider a session it
// has already failed against repeatedly.
func (r *Resolver) RecordError(featureID string, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[featureID]
	if !ok {
		return
	}
	s.ErrorCount++
	if threshold > 0 && s.ErrorCount >= threshold {
		delete(r.sessions, featureID)
		return
	}
	r.sessions[featureID] = s
}

// Invalidate discards featureID's session unconditionally.
func (r *Resolver) Invalidate(featureID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, featureID)
}

// Snapshot returns a copy of the current session map, suitable for
// persisting back onto a SupervisorState.
func (r *Resolver) Snapshot() map[string]types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]types.Session, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}
	return out
}
