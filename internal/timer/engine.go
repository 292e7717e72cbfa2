// Package timer owns the trial countdown state machine. The shared
// TimerRecord holds only the epoch numbers (started-at, duration,
// accumulated pause); every client re-derives the remaining time from
// those at 1 Hz, so clock skew between clients and backgrounded tabs
// cannot desynchronize the countdown.
package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// ErrNotStarted rejects completing a round that never started.
var ErrNotStarted = errors.New("timer: trial not started")

// Callbacks are invoked by the engine as the shared record changes.
// All of them may be nil.
type Callbacks struct {
	// OnTick fires once per second while the countdown runs.
	OnTick func(remainingSec int)
	// OnCompleted fires once per round when the completed write is
	// first observed, on every client.
	OnCompleted func(rec models.TimerRecord)
	// OnReset fires when the record is cleared back to idle.
	OnReset func()
}

// Engine reconciles a locally ticking clock against the shared
// authoritative TimerRecord for one session.
type Engine struct {
	st        store.Store
	sessionID string
	clock     clockwork.Clock
	cb        Callbacks

	mu            sync.Mutex
	current       models.TimerRecord
	have          bool
	completedSeen bool
	completeSent  bool
	stopTick      chan struct{}

	unsubscribe store.UnsubscribeFunc
}

// NewEngine creates an engine bound to one session. Call Start to
// begin observing the shared record.
func NewEngine(st store.Store, sessionID string, clock clockwork.Clock, cb Callbacks) *Engine {
	return &Engine{
		st:        st,
		sessionID: sessionID,
		clock:     clock,
		cb:        cb,
	}
}

// Start subscribes to the shared record and begins reconciling.
func (e *Engine) Start(ctx context.Context) error {
	unsub, err := e.st.Subscribe(ctx, store.TimerPath(e.sessionID), func(ev store.Event) {
		e.handleEvent(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe timer: %w", err)
	}
	e.unsubscribe = unsub
	return nil
}

// Stop cancels the subscription and any in-flight local countdown.
// Safe to call more than once.
func (e *Engine) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.mu.Lock()
	e.stopTickingLocked()
	e.mu.Unlock()
}

// Current returns the last observed record and whether one exists.
func (e *Engine) Current() (models.TimerRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.have
}

// Remaining derives the remaining seconds from the last observed
// record at the engine clock's now.
func (e *Engine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.have {
		return 0
	}
	return e.current.Remaining(e.clock.Now())
}

// StartTrial writes a fresh running record. Role checks happen in the
// coordinator; the engine only owns countdown semantics.
func (e *Engine) StartTrial(ctx context.Context, duration time.Duration) error {
	now := e.clock.Now()
	rec := models.TimerRecord{
		Active:          true,
		StartedAt:       &now,
		DurationSeconds: int(duration.Seconds()),
	}
	if err := e.st.Set(ctx, store.TimerPath(e.sessionID), rec); err != nil {
		return fmt.Errorf("start trial: %w", err)
	}
	return nil
}

// Pause freezes the countdown. The local mirror pauses immediately so
// the freeze does not wait on store round-trip latency; the shared
// write carries the same pause instant to everyone else.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if !e.have || !e.current.Running() {
		e.mu.Unlock()
		return nil
	}
	now := e.clock.Now()
	rec := e.current
	rec.Paused = true
	rec.PausedAt = &now
	e.current = rec
	e.stopTickingLocked()
	e.mu.Unlock()

	if err := e.st.Set(ctx, store.TimerPath(e.sessionID), rec); err != nil {
		return fmt.Errorf("pause trial: %w", err)
	}
	return nil
}

// Resume folds the elapsed pause into TotalPausedSeconds and restarts
// the countdown. Resuming a timer that is not paused is a no-op, which
// makes racing vote-timeout reversals harmless.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if !e.have || !e.current.Active || !e.current.Paused || e.current.Completed {
		e.mu.Unlock()
		return nil
	}
	rec := e.current
	if rec.PausedAt != nil {
		rec.TotalPausedSeconds += int(e.clock.Now().Sub(*rec.PausedAt).Seconds())
	}
	rec.Paused = false
	rec.PausedAt = nil
	e.current = rec
	e.mu.Unlock()

	if err := e.st.Set(ctx, store.TimerPath(e.sessionID), rec); err != nil {
		return fmt.Errorf("resume trial: %w", err)
	}
	return nil
}

// Complete marks the round finished with the given reason. Writing an
// already completed record again is harmless; the first observed write
// wins for every subscriber. Completing from the idle state is
// rejected, only a started round can finish.
func (e *Engine) Complete(ctx context.Context, reason models.EndReason) error {
	e.mu.Lock()
	if e.have && e.current.Completed {
		e.mu.Unlock()
		return nil
	}
	if !e.have || e.current.Idle() {
		e.mu.Unlock()
		return ErrNotStarted
	}
	rec := e.current
	e.mu.Unlock()

	now := e.clock.Now()
	rec.Active = false
	rec.Paused = false
	rec.PausedAt = nil
	rec.Completed = true
	rec.CompletedAt = &now
	rec.EndReason = reason
	if err := e.st.Set(ctx, store.TimerPath(e.sessionID), rec); err != nil {
		return fmt.Errorf("complete trial: %w", err)
	}
	return nil
}

// Reset overwrites the record back to idle and cancels the local
// countdown. Permitted from any state.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.st.Set(ctx, store.TimerPath(e.sessionID), models.TimerRecord{ResetFlag: true}); err != nil {
		return fmt.Errorf("reset trial: %w", err)
	}
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, ev store.Event) {
	if ev.Kind == store.KindRemoved {
		e.mu.Lock()
		e.current = models.TimerRecord{}
		e.have = false
		e.completedSeen = false
		e.completeSent = false
		e.stopTickingLocked()
		e.mu.Unlock()
		if e.cb.OnReset != nil {
			e.cb.OnReset()
		}
		return
	}

	var rec models.TimerRecord
	if err := ev.Decode(&rec); err != nil {
		log.Error().Err(err).Str("session_id", e.sessionID).Msg("decode timer record")
		return
	}

	e.mu.Lock()
	e.current = rec
	e.have = true

	if rec.ResetFlag || rec.Idle() {
		e.completedSeen = false
		e.completeSent = false
		e.stopTickingLocked()
		e.mu.Unlock()
		if e.cb.OnReset != nil {
			e.cb.OnReset()
		}
		return
	}

	if rec.Completed {
		first := !e.completedSeen
		e.completedSeen = true
		e.stopTickingLocked()
		e.mu.Unlock()
		if first && e.cb.OnCompleted != nil {
			e.cb.OnCompleted(rec)
		}
		return
	}

	if rec.Running() {
		e.ensureTickingLocked(ctx)
	} else {
		e.stopTickingLocked()
	}
	e.mu.Unlock()
}

// ensureTickingLocked starts the 1 Hz local countdown if it is not
// already running. Caller holds e.mu.
func (e *Engine) ensureTickingLocked(ctx context.Context) {
	if e.stopTick != nil {
		return
	}
	stop := make(chan struct{})
	e.stopTick = stop

	go func() {
		ticker := e.clock.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				e.tick(ctx)
			}
		}
	}()
}

// stopTickingLocked cancels the local countdown. Caller holds e.mu.
func (e *Engine) stopTickingLocked() {
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	if !e.have || !e.current.Running() {
		e.mu.Unlock()
		return
	}
	remaining := e.current.Remaining(e.clock.Now())
	alreadySent := e.completeSent
	if remaining <= 0 {
		e.completeSent = true
	}
	e.mu.Unlock()

	if e.cb.OnTick != nil {
		e.cb.OnTick(remaining)
	}

	if remaining <= 0 && !alreadySent {
		// Whichever client's clock observes expiry first writes the
		// completion; duplicates from racing clocks are idempotent.
		if err := e.Complete(ctx, models.EndReasonTimeExpired); err != nil {
			log.Error().Err(err).Str("session_id", e.sessionID).Msg("write time-expired completion")
			e.mu.Lock()
			e.completeSent = false
			e.mu.Unlock()
		}
	}
}
