package models

import "time"

// ResponsibilityShare is one participant's slice of the verdict.
type ResponsibilityShare struct {
	ParticipantID string   `json:"participant_id"`
	DisplayName   string   `json:"display_name"`
	Percent       int      `json:"percent"`
	Rationale     []string `json:"rationale"`
	Remedy        string   `json:"remedy,omitempty"`
}

// VerdictPayload is the structured result of the verdict generator.
type VerdictPayload struct {
	Summary   string                `json:"summary"`
	Breakdown []ResponsibilityShare `json:"breakdown"`
	Fallback  bool                  `json:"fallback,omitempty"`
}

// VerdictRecord wraps the payload for publication. RoundID changes per
// round so clients comparing content see a retrial's verdict as new
// even when the generator happens to produce identical text.
type VerdictRecord struct {
	RoundID     string         `json:"round_id"`
	Data        VerdictPayload `json:"data"`
	PublishedAt time.Time      `json:"published_at"`
}

// VerdictLoadingRecord is the shared verdict-in-progress signal so all
// clients render the same spinner without polling the generator.
type VerdictLoadingRecord struct {
	IsLoading bool `json:"is_loading"`
	IsReady   bool `json:"is_ready"`
}
