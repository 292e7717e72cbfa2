// Package store defines the shared key/value substrate the coordinator
// runs against: typed get/set/remove plus push subscriptions. The
// substrate owns replication; this package only fixes the contract the
// coordinator relies on: last-write-wins per path, per-path ordered
// delivery to subscribers, and removal delivered as a distinct event
// from "set to a falsy value".
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("store: client closed")

// EventKind distinguishes a value write from a removal.
type EventKind int

const (
	KindSet EventKind = iota
	KindRemoved
)

// Event is one push notification for a subscribed path.
// Value is nil when Kind is KindRemoved.
type Event struct {
	Path  string
	Kind  EventKind
	Value json.RawMessage
}

// Decode unmarshals the event value into out.
func (e Event) Decode(out any) error {
	if e.Kind == KindRemoved || len(e.Value) == 0 {
		return errors.New("store: no value to decode")
	}
	return json.Unmarshal(e.Value, out)
}

// UnsubscribeFunc cancels a subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Store is the substrate contract. Paths are slash-separated; Remove
// deletes the path and its whole subtree. Subscribe accepts patterns
// where "*" matches exactly one path segment and a trailing ">" matches
// the rest of the subtree; existing matching values are delivered first
// as KindSet events, then every subsequent change in write order.
type Store interface {
	Get(ctx context.Context, path string, out any) (bool, error)
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	// SetIfAbsent writes only when no value exists at path and reports
	// whether this call won. Used for host election.
	SetIfAbsent(ctx context.Context, path string, value any) (bool, error)
	Subscribe(ctx context.Context, pattern string, fn func(Event)) (UnsubscribeFunc, error)
}

// LastWill is an optional capability: a write the substrate applies on
// the client's behalf when its connection drops ungracefully. Host
// presence depends on it.
type LastWill interface {
	SetOnDisconnect(ctx context.Context, path string, value any) error
}
