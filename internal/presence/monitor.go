// Package presence watches the host's binary presence flag and decides
// when "the host is gone" may actually be raised. The flag alone
// cannot distinguish a crashed host from one legitimately away on a
// payment redirect, so the monitor consults the payment lock and
// out-of-band return evidence before alarming, with bounded grace
// periods in between. Every grace-period re-check reads presence fresh
// from the store rather than reusing the event that started it.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// Evidence supplies the out-of-band knowledge the policy chain needs.
type Evidence interface {
	// HostPaymentCompletedRecently reports whether the rolling window
	// of system messages contains a "payment completed, user
	// returned" marker for the host.
	HostPaymentCompletedRecently() bool
	// ReturningFromPayment reports whether this device itself appears
	// to be arriving back from a payment flow.
	ReturningFromPayment() bool
}

// NoEvidence is the zero implementation for clients with no payment
// integration.
type NoEvidence struct{}

func (NoEvidence) HostPaymentCompletedRecently() bool { return false }
func (NoEvidence) ReturningFromPayment() bool         { return false }

// Policy holds the grace-period durations.
type Policy struct {
	// Watchdog bounds how long a paying host may stay absent.
	Watchdog time.Duration
	// ReturnGrace applies after a recent payment-completed marker.
	ReturnGrace time.Duration
	// ArrivalGrace applies when this device is returning from payment.
	ArrivalGrace time.Duration
}

// Callbacks are invoked as the monitor changes its mind. Any may be nil.
type Callbacks struct {
	// OnHostAway shows the informational banner while an alarm is
	// being suppressed.
	OnHostAway func(reason string)
	// OnHostLeft raises the terminal host-left alarm.
	OnHostLeft func()
	// OnHostReturned clears the banner after presence recovers.
	OnHostReturned func()
}

// Monitor tracks host presence for one non-host client.
type Monitor struct {
	st        store.Store
	sessionID string
	clock     clockwork.Clock
	policy    Policy
	evidence  Evidence
	// hostName supplies the host's display name for comparison with
	// the payment lock's payer field.
	hostName func() string
	cb       Callbacks

	mu          sync.Mutex
	present     bool
	away        bool
	alarmed     bool
	cancelCheck chan struct{}

	unsubscribe store.UnsubscribeFunc
}

// NewMonitor creates a monitor. It should only be started on non-host
// clients; the host's own client announces presence instead.
func NewMonitor(st store.Store, sessionID string, clock clockwork.Clock, policy Policy, evidence Evidence, hostName func() string, cb Callbacks) *Monitor {
	if evidence == nil {
		evidence = NoEvidence{}
	}
	return &Monitor{
		st:        st,
		sessionID: sessionID,
		clock:     clock,
		policy:    policy,
		evidence:  evidence,
		hostName:  hostName,
		cb:        cb,
		present:   true,
	}
}

// Start subscribes to the host presence flag.
func (m *Monitor) Start(ctx context.Context) error {
	unsub, err := m.st.Subscribe(ctx, store.HostPresencePath(m.sessionID), m.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe host presence: %w", err)
	}
	m.unsubscribe = unsub
	return nil
}

// Stop cancels the subscription and any pending grace-period check.
// Safe to call more than once.
func (m *Monitor) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.mu.Lock()
	m.cancelPendingLocked()
	m.mu.Unlock()
}

// Announce publishes the host's own presence with a last-will false so
// the substrate flips the flag if the host's connection drops.
func Announce(ctx context.Context, st store.Store, sessionID string) error {
	if lw, ok := st.(store.LastWill); ok {
		if err := lw.SetOnDisconnect(ctx, store.HostPresencePath(sessionID), false); err != nil {
			return fmt.Errorf("register presence last-will: %w", err)
		}
	}
	if err := st.Set(ctx, store.HostPresencePath(sessionID), true); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	return nil
}

func (m *Monitor) handleEvent(ev store.Event) {
	var present bool
	if ev.Kind == store.KindSet {
		if err := ev.Decode(&present); err != nil {
			log.Error().Err(err).Str("session_id", m.sessionID).Msg("decode host presence")
			return
		}
	}

	m.mu.Lock()
	m.present = present
	if present {
		wasAway := m.away
		m.away = false
		m.cancelPendingLocked()
		m.mu.Unlock()
		if wasAway && m.cb.OnHostReturned != nil {
			m.cb.OnHostReturned()
		}
		return
	}
	if m.alarmed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.decide(context.Background(), true)
}

// decide runs the policy chain on an observed absence. considerLock
// is false on a watchdog re-entry, so an absent host whose lock never
// clears cannot re-arm the watchdog forever.
func (m *Monitor) decide(ctx context.Context, considerLock bool) {
	if considerLock && m.hostIsPaying(ctx) {
		log.Info().
			Str("session_id", m.sessionID).
			Dur("watchdog", m.policy.Watchdog).
			Msg("host absent but paying; suppressing alarm")
		m.suppress("host is completing a payment")
		m.scheduleCheck(m.policy.Watchdog, m.watchdogRecheck)
		return
	}

	if m.evidence.HostPaymentCompletedRecently() {
		log.Info().
			Str("session_id", m.sessionID).
			Dur("grace", m.policy.ReturnGrace).
			Msg("recent payment-completed marker; applying grace period")
		m.suppress("host just completed a payment")
		m.scheduleCheck(m.policy.ReturnGrace, m.presenceRecheck)
		return
	}

	if m.evidence.ReturningFromPayment() {
		log.Info().
			Str("session_id", m.sessionID).
			Dur("grace", m.policy.ArrivalGrace).
			Msg("device returning from payment flow; applying extended grace period")
		m.suppress("rejoining after payment")
		m.scheduleCheck(m.policy.ArrivalGrace, m.presenceRecheck)
		return
	}

	m.alarm()
}

// hostIsPaying reads the payment lock fresh and compares its payer to
// the host's display name.
func (m *Monitor) hostIsPaying(ctx context.Context) bool {
	host := m.hostName()
	if host == "" {
		return false
	}
	var lock models.PaymentLock
	found, err := m.st.Get(ctx, store.PaymentLockPath(m.sessionID), &lock)
	if err != nil {
		log.Error().Err(err).Str("session_id", m.sessionID).Msg("read payment lock for presence check")
		return false
	}
	return found && lock.HeldBy(host)
}

// readPresence reads the flag fresh, never reusing a stale event.
func (m *Monitor) readPresence(ctx context.Context) bool {
	var present bool
	found, err := m.st.Get(ctx, store.HostPresencePath(m.sessionID), &present)
	if err != nil {
		log.Error().Err(err).Str("session_id", m.sessionID).Msg("re-read host presence")
		// State unknown: err on the side of not alarming.
		return true
	}
	return found && present
}

// watchdogRecheck fires once at the payment watchdog deadline; the
// alarm requires the host to be both still absent and still paying.
func (m *Monitor) watchdogRecheck(ctx context.Context) {
	stillAbsent := !m.readPresence(ctx)
	stillPaying := m.hostIsPaying(ctx)

	log.Info().
		Str("session_id", m.sessionID).
		Bool("still_absent", stillAbsent).
		Bool("still_paying", stillPaying).
		Msg("payment watchdog deadline")

	switch {
	case !stillAbsent:
		m.recovered()
	case stillPaying:
		m.alarm()
	default:
		// Absent and no longer paying: fall through to the remaining
		// rules without re-arming the watchdog.
		m.decide(ctx, false)
	}
}

// presenceRecheck fires once after a fixed grace period.
func (m *Monitor) presenceRecheck(ctx context.Context) {
	if m.readPresence(ctx) {
		m.recovered()
		return
	}
	m.alarm()
}

func (m *Monitor) suppress(reason string) {
	m.mu.Lock()
	firstTime := !m.away
	m.away = true
	m.mu.Unlock()
	if firstTime && m.cb.OnHostAway != nil {
		m.cb.OnHostAway(reason)
	}
}

func (m *Monitor) recovered() {
	m.mu.Lock()
	wasAway := m.away
	m.away = false
	m.mu.Unlock()
	if wasAway && m.cb.OnHostReturned != nil {
		m.cb.OnHostReturned()
	}
}

func (m *Monitor) alarm() {
	m.mu.Lock()
	if m.alarmed {
		m.mu.Unlock()
		return
	}
	m.alarmed = true
	m.away = false
	m.cancelPendingLocked()
	m.mu.Unlock()

	log.Warn().Str("session_id", m.sessionID).Msg("host left; raising alarm")
	if m.cb.OnHostLeft != nil {
		m.cb.OnHostLeft()
	}
}

// scheduleCheck arms a single cancellable re-check, replacing any
// pending one.
func (m *Monitor) scheduleCheck(d time.Duration, check func(ctx context.Context)) {
	m.mu.Lock()
	m.cancelPendingLocked()
	cancel := make(chan struct{})
	m.cancelCheck = cancel
	m.mu.Unlock()

	timer := m.clock.NewTimer(d)
	go func() {
		select {
		case <-cancel:
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
		case <-timer.Chan():
			m.mu.Lock()
			if m.cancelCheck == cancel {
				m.cancelCheck = nil
			}
			alarmed := m.alarmed
			m.mu.Unlock()
			if !alarmed {
				check(context.Background())
			}
		}
	}()
}

// cancelPendingLocked cancels a pending re-check. Caller holds m.mu.
// Safe when none is pending.
func (m *Monitor) cancelPendingLocked() {
	if m.cancelCheck != nil {
		close(m.cancelCheck)
		m.cancelCheck = nil
	}
}
