package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/presence"
)

// TryAcquirePaymentLock claims the shared "who is paying" slot for
// this participant. Fails without altering the record when somebody
// else holds it.
func (c *Coordinator) TryAcquirePaymentLock(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.lock.TryAcquire(ctx, c.displayName)
}

// ReleasePaymentLock releases this participant's own lock, e.g. after
// the payment provider reports a cancelled checkout.
func (c *Coordinator) ReleasePaymentLock(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.lock.Release(ctx, c.displayName, false)
}

// PaymentCompleted consumes the provider's completion signal: the
// participant is marked privileged, the lock is released for everyone,
// and a system marker lands in the transcript for the presence
// grace-period policy to find.
func (c *Coordinator) PaymentCompleted(ctx context.Context, paymentID string) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	if err := c.paid.MarkPaid(ctx, c.displayName, c.participantID); err != nil {
		return err
	}
	if err := c.systemMessage(ctx, paymentCompletedMarker(c.displayName)); err != nil {
		return err
	}
	if err := c.lock.Release(ctx, c.displayName, false); err != nil {
		return err
	}
	c.NotePaymentReturn()
	log.Info().
		Str("session_id", c.sessionID).
		Str("user", c.displayName).
		Str("payment_id", paymentID).
		Msg("payment completed")
	return nil
}

// PaymentCancelled consumes the provider's cancelled/failed signal.
func (c *Coordinator) PaymentCancelled(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.lock.Release(ctx, c.displayName, false)
}

// NotePaymentReturn records that this device just arrived back from a
// payment redirect. The presence policy treats it as arrival evidence
// for its extended grace period.
func (c *Coordinator) NotePaymentReturn() {
	now := c.clock.Now()
	c.mu.Lock()
	c.returnedAt = &now
	c.mu.Unlock()
}

// PaymentLock returns the authoritative lock record, if present.
func (c *Coordinator) PaymentLock() (models.PaymentLock, bool) {
	return c.lock.Current()
}

// CachedPayer returns the sticky local indicator of who was last seen
// paying; empty after a legitimate clear signal.
func (c *Coordinator) CachedPayer() string {
	return c.lock.CachedHolder()
}

// IsPaid reports whether the named participant holds a privilege.
func (c *Coordinator) IsPaid(displayName string) bool {
	return c.paid.IsPaid(displayName)
}

func paymentCompletedMarker(displayName string) string {
	return fmt.Sprintf("%s completed payment and returned", displayName)
}

// evidence builds the presence monitor's out-of-band knowledge source
// from coordinator state: the rolling transcript window and the
// payment-return note.
func (c *Coordinator) evidence() presence.Evidence {
	return &transcriptEvidence{c: c}
}

type transcriptEvidence struct {
	c *Coordinator
}

// HostPaymentCompletedRecently scans the recent system messages for a
// payment-completed marker naming the host.
func (e *transcriptEvidence) HostPaymentCompletedRecently() bool {
	host := e.c.hostDisplayName()
	if host == "" {
		return false
	}
	marker := paymentCompletedMarker(host)
	cutoff := e.c.clock.Now().Add(-e.c.cfg.EvidenceWindow)
	for _, entry := range e.c.Transcript() {
		if !entry.System || entry.Timestamp.Before(cutoff) {
			continue
		}
		if strings.Contains(entry.Text, marker) {
			return true
		}
	}
	return false
}

// ReturningFromPayment reports whether this device noted a payment
// return within the evidence window.
func (e *transcriptEvidence) ReturningFromPayment() bool {
	e.c.mu.Lock()
	returned := e.c.returnedAt
	e.c.mu.Unlock()
	if returned == nil {
		return false
	}
	return e.c.clock.Now().Sub(*returned) <= e.c.cfg.EvidenceWindow
}
