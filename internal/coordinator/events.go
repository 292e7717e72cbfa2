package coordinator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
)

// EventType identifies a coordinator notification to the UI layer.
type EventType string

const (
	EventParticipantJoined  EventType = "ParticipantJoined"
	EventParticipantLeft    EventType = "ParticipantLeft"
	EventMessageAdded       EventType = "MessageAdded"
	EventTimerTick          EventType = "TimerTick"
	EventTimerCompleted     EventType = "TimerCompleted"
	EventTimerReset         EventType = "TimerReset"
	EventReadyGateOpened    EventType = "ReadyGateOpened"
	EventVoteOpened         EventType = "VoteOpened"
	EventVoteClosed         EventType = "VoteClosed"
	EventPaymentLockChanged EventType = "PaymentLockChanged"
	EventPaymentLockCleared EventType = "PaymentLockCleared"
	EventHostAway           EventType = "HostAway"
	EventHostReturned       EventType = "HostReturned"
	EventHostLeft           EventType = "HostLeft"
	EventVerdictLoading     EventType = "VerdictLoading"
	EventVerdictReady       EventType = "VerdictReady"
)

// Event is one notification pushed to the UI layer (or the WebSocket
// gateway) after the coordinator observed a shared-state change.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Sink receives coordinator events. Implementations must not block;
// the coordinator calls Publish inline from its reaction path.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// TimerTickPayload accompanies EventTimerTick.
type TimerTickPayload struct {
	RemainingSec int `json:"remaining_sec"`
}

// TimerCompletedPayload accompanies EventTimerCompleted.
type TimerCompletedPayload struct {
	EndReason models.EndReason `json:"end_reason"`
}

// GateOpenedPayload accompanies EventReadyGateOpened.
type GateOpenedPayload struct {
	Phase models.ReadinessPhase `json:"phase"`
	Gate  models.ReadyGate      `json:"gate"`
}

// VoteOpenedPayload accompanies EventVoteOpened.
type VoteOpenedPayload struct {
	Purpose     models.VotePurpose `json:"purpose"`
	RequestedBy string             `json:"requested_by"`
	RequestedAt time.Time          `json:"requested_at"`
}

// VoteClosedPayload accompanies EventVoteClosed.
type VoteClosedPayload struct {
	Purpose     models.VotePurpose `json:"purpose"`
	Reason      string             `json:"reason"`
	RequestedBy string             `json:"requested_by"`
}

// HostAwayPayload accompanies EventHostAway.
type HostAwayPayload struct {
	Reason string `json:"reason"`
}

// ParticipantPayload accompanies join and leave events.
type ParticipantPayload struct {
	Participant models.Participant `json:"participant"`
}

func (c *Coordinator) emit(eventType EventType, payload any) {
	if c.sink == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("type", string(eventType)).Msg("encode event payload")
			return
		}
		raw = data
	}
	c.sink.Publish(Event{
		ID:        uuid.New().String(),
		SessionID: c.sessionID,
		Type:      eventType,
		Timestamp: c.clock.Now(),
		Data:      raw,
	})
}
