// Package gateway bridges thin browser clients onto the shared store:
// it relays raw state changes for a session's subtree over WebSocket
// and can also fan out coordinator events for processes that embed the
// coordinator library server-side.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/verdictlab/courtroom/internal/coordinator"
	"github.com/verdictlab/courtroom/internal/store"
)

// FrameType identifies what a WebSocket frame carries.
type FrameType string

const (
	// FrameState is one shared-store change (set or removal).
	FrameState FrameType = "state"
	// FrameEvent is one coordinator event.
	FrameEvent FrameType = "event"
)

// Frame is the wire envelope pushed to connected clients.
type Frame struct {
	Type      FrameType          `json:"type"`
	SessionID string             `json:"session_id"`
	Timestamp time.Time          `json:"timestamp"`
	State     *StatePayload      `json:"state,omitempty"`
	Event     *coordinator.Event `json:"event,omitempty"`
}

// StatePayload mirrors one store event. Value is null on removal;
// removal is a distinct Kind, never a null write.
type StatePayload struct {
	Path  string          `json:"path"`
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

func stateFrame(sessionID string, ev store.Event, now time.Time) Frame {
	kind := "set"
	if ev.Kind == store.KindRemoved {
		kind = "removed"
	}
	return Frame{
		Type:      FrameState,
		SessionID: sessionID,
		Timestamp: now,
		State: &StatePayload{
			Path:  ev.Path,
			Kind:  kind,
			Value: ev.Value,
		},
	}
}

func eventFrame(ev coordinator.Event, now time.Time) Frame {
	return Frame{
		Type:      FrameEvent,
		SessionID: ev.SessionID,
		Timestamp: now,
		Event:     &ev,
	}
}
