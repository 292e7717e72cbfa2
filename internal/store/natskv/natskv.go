// Package natskv backs the shared-store contract with a NATS JetStream
// key-value bucket. JetStream KV gives exactly the substrate semantics
// the coordinator assumes: last-write-wins per key, ordered watch
// delivery per key, Create as set-if-absent, and delete operations
// surfaced distinctly from puts.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/store"
)

// Config holds connection settings for the KV substrate.
type Config struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns settings suitable for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "COURTROOM_SESSIONS",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Store implements store.Store over a JetStream KV bucket.
type Store struct {
	nc *nats.Conn
	kv jetstream.KeyValue

	mu     sync.Mutex
	wills  []willEntry
	closed bool
}

type willEntry struct {
	key   string
	value []byte
}

// Connect dials NATS and binds (creating if needed) the KV bucket.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  cfg.Bucket,
			History: 1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind KV bucket %s: %w", cfg.Bucket, err)
	}

	return &Store{nc: nc, kv: kv}, nil
}

func (s *Store) Get(ctx context.Context, path string, out any) (bool, error) {
	entry, err := s.kv.Get(ctx, toKey(path))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s: %w", path, err)
	}
	if out != nil {
		if err := json.Unmarshal(entry.Value(), out); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (s *Store) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if _, err := s.kv.Put(ctx, toKey(path), raw); err != nil {
		return fmt.Errorf("kv put %s: %w", path, err)
	}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = s.kv.Create(ctx, toKey(path), raw)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv create %s: %w", path, err)
	}
	return true, nil
}

// Remove deletes the path and every key beneath it.
func (s *Store) Remove(ctx context.Context, path string) error {
	key := toKey(path)
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", path, err)
	}
	lister, err := s.kv.ListKeysFiltered(ctx, key+".>")
	if err != nil {
		return fmt.Errorf("kv list %s: %w", path, err)
	}
	for child := range lister.Keys() {
		if err := s.kv.Delete(ctx, child); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("kv delete %s: %w", child, err)
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, pattern string, fn func(store.Event)) (store.UnsubscribeFunc, error) {
	watcher, err := s.kv.Watch(ctx, toKey(pattern))
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}

	go func() {
		for entry := range watcher.Updates() {
			if entry == nil {
				// Initial replay done.
				continue
			}
			ev := store.Event{Path: fromKey(entry.Key())}
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				ev.Kind = store.KindRemoved
			default:
				ev.Kind = store.KindSet
				ev.Value = entry.Value()
			}
			fn(ev)
		}
	}()

	return func() {
		if err := watcher.Stop(); err != nil {
			log.Debug().Err(err).Str("pattern", pattern).Msg("stop watcher")
		}
	}, nil
}

// SetOnDisconnect registers a write applied when the store closes.
// JetStream KV has no server-side last will, so crash detection beyond
// graceful close relies on the bucket's TTL configuration.
func (s *Store) SetOnDisconnect(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.wills = append(s.wills, willEntry{key: toKey(path), value: raw})
	return nil
}

// Close applies registered last-will writes and drains the connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wills := s.wills
	s.wills = nil
	s.mu.Unlock()

	for _, w := range wills {
		if _, err := s.kv.Put(ctx, w.key, w.value); err != nil {
			log.Error().Err(err).Str("key", w.key).Msg("apply last-will write")
		}
	}
	if err := s.nc.Drain(); err != nil {
		log.Error().Err(err).Msg("drain NATS connection")
	}
}

// Slash-separated store paths map onto NATS KV dot-separated keys.
// Wildcards carry over unchanged ("*" one token, ">" the remainder).
func toKey(path string) string {
	return strings.ReplaceAll(path, "/", ".")
}

func fromKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}
