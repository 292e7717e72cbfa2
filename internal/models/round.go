package models

import "time"

// RoundRecord is one completed trial round as handed to the archive.
// Archiving is best-effort; the shared store remains the source of
// truth for live state.
type RoundRecord struct {
	SessionID   string            `json:"session_id"`
	RoundID     string            `json:"round_id"`
	EndReason   EndReason         `json:"end_reason"`
	Transcript  []TranscriptEntry `json:"transcript"`
	Verdict     VerdictPayload    `json:"verdict"`
	CompletedAt time.Time         `json:"completed_at"`
}
