package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/store"
)

// Relay mirrors a session's shared-store subtree onto the session's
// WebSocket pool, one subscription per session, created on the first
// client and torn down with the relay.
type Relay struct {
	st store.Store
	cm *ConnectionManager

	mu       sync.Mutex
	sessions map[string]store.UnsubscribeFunc
}

// NewRelay creates a relay over the given substrate.
func NewRelay(st store.Store, cm *ConnectionManager) *Relay {
	return &Relay{
		st:       st,
		cm:       cm,
		sessions: make(map[string]store.UnsubscribeFunc),
	}
}

// EnsureSession starts relaying a session's subtree if it is not
// already being relayed. Idempotent.
func (r *Relay) EnsureSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return nil
	}
	// Reserve the slot before subscribing so a concurrent caller
	// cannot double-subscribe.
	r.sessions[sessionID] = func() {}
	r.mu.Unlock()

	unsub, err := r.st.Subscribe(ctx, store.SessionPattern(sessionID), func(ev store.Event) {
		r.cm.Broadcast(stateFrame(sessionID, ev, time.Now()))
	})
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		return fmt.Errorf("relay session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	r.sessions[sessionID] = unsub
	r.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("session relay started")
	return nil
}

// Close stops every session relay. Safe to call more than once.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, unsub := range r.sessions {
		unsub()
		delete(r.sessions, id)
	}
}
