package models

import "time"

// EndReason explains why a trial round stopped counting down.
type EndReason string

const (
	EndReasonTimeExpired        EndReason = "time_expired"
	EndReasonAggressiveLanguage EndReason = "aggressive_language"
	EndReasonUserEnded          EndReason = "user_ended"
	EndReasonOther              EndReason = "other"
)

// TimerRecord is the shared authoritative trial countdown state.
// Remaining time is never stored; every client derives it from
// StartedAt, DurationSeconds and TotalPausedSeconds so that a client
// joining mid-trial reconstructs the same countdown.
type TimerRecord struct {
	Active             bool       `json:"active"`
	Paused             bool       `json:"paused"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	PausedAt           *time.Time `json:"paused_at,omitempty"`
	TotalPausedSeconds int        `json:"total_paused_seconds"`
	DurationSeconds    int        `json:"duration_seconds"`
	Completed          bool       `json:"completed"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	EndReason          EndReason  `json:"end_reason,omitempty"`
	ResetFlag          bool       `json:"reset_flag,omitempty"`
}

// Idle reports whether the record describes the pre-start state.
func (t TimerRecord) Idle() bool {
	return !t.Active && !t.Completed
}

// Running reports whether the countdown is live and not paused.
func (t TimerRecord) Running() bool {
	return t.Active && !t.Paused && !t.Completed
}

// Remaining derives the remaining seconds at the given instant.
// The result is clamped at zero; a negative raw value just means the
// deadline already passed (e.g. the client was backgrounded).
func (t TimerRecord) Remaining(now time.Time) int {
	if t.StartedAt == nil {
		return t.DurationSeconds
	}
	elapsed := int(now.Sub(*t.StartedAt).Seconds())
	paused := t.TotalPausedSeconds
	if t.Paused && t.PausedAt != nil {
		// Freeze the countdown at the instant the pause was recorded.
		elapsed = int(t.PausedAt.Sub(*t.StartedAt).Seconds())
	}
	remaining := t.DurationSeconds - (elapsed - paused)
	if remaining < 0 {
		return 0
	}
	return remaining
}
