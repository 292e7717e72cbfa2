// Package readiness implements the per-phase headcount protocol:
// every participant marks themselves ready, and "all ready" is always
// recomputed against the live participant list rather than a snapshot,
// because participants may join after others are already marked.
package readiness

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// Tracker mirrors one phase's readiness set for a session.
type Tracker struct {
	st        store.Store
	sessionID string
	phase     models.ReadinessPhase

	mu    sync.Mutex
	ready map[string]bool

	// onChange fires after every observed readiness mutation so the
	// owner can re-evaluate the gate condition.
	onChange func()

	unsubscribe store.UnsubscribeFunc
}

// NewTracker creates a tracker for one phase of one session.
func NewTracker(st store.Store, sessionID string, phase models.ReadinessPhase, onChange func()) *Tracker {
	return &Tracker{
		st:        st,
		sessionID: sessionID,
		phase:     phase,
		ready:     make(map[string]bool),
		onChange:  onChange,
	}
}

// Start subscribes to the phase's readiness entries.
func (t *Tracker) Start(ctx context.Context) error {
	unsub, err := t.st.Subscribe(ctx, store.ReadinessPattern(t.sessionID, t.phase), t.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe readiness %s: %w", t.phase, err)
	}
	t.unsubscribe = unsub
	return nil
}

// Stop cancels the subscription. Safe to call more than once.
func (t *Tracker) Stop() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// MarkReady records the participant's readiness in the shared set.
func (t *Tracker) MarkReady(ctx context.Context, participantID string) error {
	path := store.ReadyEntryPath(t.sessionID, t.phase, participantID)
	if err := t.st.Set(ctx, path, true); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// AllReady reports whether every current non-system participant has a
// true entry. An empty participant list never satisfies the gate.
func (t *Tracker) AllReady(current []models.Participant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	real := 0
	for _, p := range current {
		if p.System() {
			continue
		}
		real++
		if !t.ready[p.ID] {
			return false
		}
	}
	return real > 0
}

// Ready reports whether one participant has marked themselves ready.
func (t *Tracker) Ready(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready[participantID]
}

func (t *Tracker) handleEvent(ev store.Event) {
	pid := store.LastSegment(ev.Path)

	t.mu.Lock()
	switch ev.Kind {
	case store.KindRemoved:
		delete(t.ready, pid)
	case store.KindSet:
		var v bool
		if err := ev.Decode(&v); err != nil {
			t.mu.Unlock()
			log.Error().Err(err).Str("path", ev.Path).Msg("decode readiness entry")
			return
		}
		t.ready[pid] = v
	}
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange()
	}
}
