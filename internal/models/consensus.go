package models

import "time"

// VotePurpose selects which unanimous-agreement flow a ConsensusRequest
// belongs to.
type VotePurpose string

const (
	PurposeInstantVerdict VotePurpose = "instant_verdict"
	PurposeRetrial        VotePurpose = "retrial"
)

// ConsensusRequest is the shared record of an open unanimous vote.
// Its presence in the store means a vote is in progress; removal means
// the vote concluded, timed out or was cancelled. Individual agreements
// live under their own child keys so concurrent votes never clobber
// each other under last-write-wins.
type ConsensusRequest struct {
	// ID names the request instance. Closes are reported at most once
	// per ID on each client, so racing detectors echoing the record
	// cannot re-fire a conclusion.
	ID          string    `json:"id"`
	Requested   bool      `json:"requested"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by"`
	// Concluded is set on the final write before an agreed request is
	// removed. Agreement entries travel on their own paths and may be
	// delivered after the removal; the marker is ordered with the
	// removal on the request path, so a removal preceded by it always
	// classifies as agreed.
	Concluded bool `json:"concluded,omitempty"`
}

// ReadinessPhase selects which of the two readiness headcounts an entry
// belongs to.
type ReadinessPhase string

const (
	PhasePreTrial    ReadinessPhase = "pretrial"
	PhasePostVerdict ReadinessPhase = "postverdict"
)

// ReadyGate is written once when every current participant of a phase
// has marked themselves ready. Retrial gates carry the flag so clients
// can label the next round accordingly.
type ReadyGate struct {
	Round    string    `json:"round"`
	Retrial  bool      `json:"retrial"`
	OpenedAt time.Time `json:"opened_at"`
	OpenedBy string    `json:"opened_by"`
}
