package models

import "time"

// SystemParticipantID is the synthetic speaker used for join/leave and
// payment markers in the transcript. It never counts toward readiness
// or consensus headcounts.
const SystemParticipantID = "system"

// MaxDisplayNameLen bounds the join-time display name.
const MaxDisplayNameLen = 10

// Participant is one member of a session as stored under the
// participants mapping.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// System reports whether the participant is the synthetic system entry.
func (p Participant) System() bool {
	return p.ID == SystemParticipantID
}

// TranscriptEntry is one chat message in write order. The verdict
// generator consumes the full ordered transcript.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	SpeakerID string    `json:"speaker_id"`
	Speaker   string    `json:"speaker,omitempty"`
	Text      string    `json:"text"`
	System    bool      `json:"system,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
