package models

import "time"

// PaymentLock is the single shared "who is currently paying" slot.
// At most one logical holder exists at a time; a second client seeing
// Status true with a different User must back off.
type PaymentLock struct {
	Status    bool      `json:"status"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// HeldBy reports whether the lock is currently held by name.
func (l PaymentLock) HeldBy(name string) bool {
	return l.Status && l.User == name
}

// PaidUser marks a participant as holding a purchased privilege.
// Holding one does not substitute for an explicit consensus vote; it
// only changes what that participant's "agree" action consumes.
type PaidUser struct {
	UserID string    `json:"user_id"`
	PaidAt time.Time `json:"paid_at"`
	IsPaid bool      `json:"is_paid"`
}

// LockClearSignal tells every client to drop its locally cached
// payment-lock indicator. The nonce distinguishes consecutive signals
// under last-write-wins.
type LockClearSignal struct {
	Nonce     string    `json:"nonce"`
	ClearedAt time.Time `json:"cleared_at"`
}
