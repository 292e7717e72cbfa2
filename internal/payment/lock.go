// Package payment implements the single shared "who is currently
// paying" slot, the paid-privilege set, and the sticky local lock
// indicator that survives removal of the authoritative record until an
// explicit clear signal arrives.
package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// ErrLockHeld is returned when another participant is already paying.
type ErrLockHeld struct {
	Holder string
}

func (e ErrLockHeld) Error() string {
	return fmt.Sprintf("payment: lock held by %s", e.Holder)
}

// Callbacks are invoked as the shared lock state changes. Any may be nil.
type Callbacks struct {
	// OnChanged fires when the authoritative record is written.
	OnChanged func(lock models.PaymentLock)
	// OnCleared fires when a clear signal invalidates the local
	// cached indicator.
	OnCleared func()
}

// Lock mirrors the payment mutual-exclusion slot for one session.
type Lock struct {
	st        store.Store
	sessionID string
	clock     clockwork.Clock
	cb        Callbacks

	mu      sync.Mutex
	current *models.PaymentLock
	// cached keeps the last known holder after the record is removed,
	// so a mid-payment page navigation cannot wipe the indicator; only
	// a legitimate clear signal resets it.
	cached         string
	lastClearNonce string

	unsubs []store.UnsubscribeFunc
}

// NewLock creates the lock mirror for a session.
func NewLock(st store.Store, sessionID string, clock clockwork.Clock, cb Callbacks) *Lock {
	return &Lock{
		st:        st,
		sessionID: sessionID,
		clock:     clock,
		cb:        cb,
	}
}

// Start subscribes to the lock record and the clear-signal path.
func (l *Lock) Start(ctx context.Context) error {
	unsub, err := l.st.Subscribe(ctx, store.PaymentLockPath(l.sessionID), l.handleLockEvent)
	if err != nil {
		return fmt.Errorf("subscribe payment lock: %w", err)
	}
	l.unsubs = append(l.unsubs, unsub)

	unsub, err = l.st.Subscribe(ctx, store.LockClearPath(l.sessionID), l.handleClearEvent)
	if err != nil {
		return fmt.Errorf("subscribe lock clear signal: %w", err)
	}
	l.unsubs = append(l.unsubs, unsub)
	return nil
}

// Stop cancels the subscriptions. Safe to call more than once.
func (l *Lock) Stop() {
	for _, unsub := range l.unsubs {
		unsub()
	}
}

// TryAcquire claims the slot for displayName. The current record is
// re-read fresh before deciding; a lock held by a different user is
// never overwritten. Re-acquiring one's own lock refreshes it.
func (l *Lock) TryAcquire(ctx context.Context, displayName string) error {
	var existing models.PaymentLock
	found, err := l.st.Get(ctx, store.PaymentLockPath(l.sessionID), &existing)
	if err != nil {
		return fmt.Errorf("read payment lock: %w", err)
	}
	if found && existing.Status && !existing.HeldBy(displayName) {
		return ErrLockHeld{Holder: existing.User}
	}

	rec := models.PaymentLock{
		Status:    true,
		User:      displayName,
		Timestamp: l.clock.Now(),
	}
	if err := l.st.Set(ctx, store.PaymentLockPath(l.sessionID), rec); err != nil {
		return fmt.Errorf("acquire payment lock: %w", err)
	}
	log.Info().Str("session_id", l.sessionID).Str("user", displayName).Msg("payment lock acquired")
	return nil
}

// Release removes the lock and broadcasts the cached-indicator clear
// signal. Only the holder may release unless force is set, which a
// session-level reset uses to clear it for everyone.
func (l *Lock) Release(ctx context.Context, displayName string, force bool) error {
	var existing models.PaymentLock
	found, err := l.st.Get(ctx, store.PaymentLockPath(l.sessionID), &existing)
	if err != nil {
		return fmt.Errorf("read payment lock: %w", err)
	}
	if found && existing.Status && !existing.HeldBy(displayName) && !force {
		return ErrLockHeld{Holder: existing.User}
	}

	if err := l.st.Remove(ctx, store.PaymentLockPath(l.sessionID)); err != nil {
		return fmt.Errorf("release payment lock: %w", err)
	}
	return l.BroadcastClear(ctx)
}

// BroadcastClear tells every client to drop its cached lock indicator.
func (l *Lock) BroadcastClear(ctx context.Context) error {
	signal := models.LockClearSignal{
		Nonce:     uuid.New().String(),
		ClearedAt: l.clock.Now(),
	}
	if err := l.st.Set(ctx, store.LockClearPath(l.sessionID), signal); err != nil {
		return fmt.Errorf("broadcast lock clear: %w", err)
	}
	return nil
}

// Current returns the authoritative record, if present.
func (l *Lock) Current() (models.PaymentLock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return models.PaymentLock{}, false
	}
	return *l.current, true
}

// CachedHolder returns the sticky local indicator of who was last
// seen paying. Empty once a clear signal has been processed.
func (l *Lock) CachedHolder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cached
}

func (l *Lock) handleLockEvent(ev store.Event) {
	l.mu.Lock()
	switch ev.Kind {
	case store.KindRemoved:
		// The cached indicator deliberately survives removal; see
		// the host-presence grace policy.
		l.current = nil
		l.mu.Unlock()
		return
	case store.KindSet:
		var rec models.PaymentLock
		if err := ev.Decode(&rec); err != nil {
			l.mu.Unlock()
			log.Error().Err(err).Str("session_id", l.sessionID).Msg("decode payment lock")
			return
		}
		l.current = &rec
		if rec.Status {
			l.cached = rec.User
		}
		l.mu.Unlock()
		if l.cb.OnChanged != nil {
			l.cb.OnChanged(rec)
		}
	}
}

func (l *Lock) handleClearEvent(ev store.Event) {
	if ev.Kind != store.KindSet {
		return
	}
	var signal models.LockClearSignal
	if err := ev.Decode(&signal); err != nil {
		log.Error().Err(err).Str("session_id", l.sessionID).Msg("decode lock clear signal")
		return
	}

	l.mu.Lock()
	if signal.Nonce == l.lastClearNonce {
		l.mu.Unlock()
		return
	}
	l.lastClearNonce = signal.Nonce
	l.cached = ""
	l.mu.Unlock()

	if l.cb.OnCleared != nil {
		l.cb.OnCleared()
	}
}
