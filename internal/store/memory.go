package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process implementation of the substrate, used by
// tests and single-process embeddings. All clients created from one
// Memory share the same data and observe the same write order.
type Memory struct {
	mu      sync.Mutex
	data    map[string]json.RawMessage
	subs    map[int]*subscription
	nextSub int

	// Pending notifications are drained by whichever goroutine is
	// already notifying, so callbacks observe writes in order even
	// when a callback itself writes back into the store.
	queue     []Event
	notifying bool
}

type subscription struct {
	pattern string
	fn      func(Event)
	done    bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]json.RawMessage),
		subs: make(map[int]*subscription),
	}
}

// Client returns a connection-scoped handle. Closing the handle fires
// its registered last-will writes, mimicking the substrate flipping a
// presence flag on ungraceful disconnect.
func (m *Memory) Client() *MemoryClient {
	return &MemoryClient{store: m}
}

func (m *Memory) Get(_ context.Context, path string, out any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[path]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return true, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	m.mu.Lock()
	m.data[path] = raw
	m.enqueue(Event{Path: path, Kind: KindSet, Value: raw})
	m.mu.Unlock()
	m.dispatch()
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, path string, value any) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", path, err)
	}
	m.mu.Lock()
	if _, exists := m.data[path]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.data[path] = raw
	m.enqueue(Event{Path: path, Kind: KindSet, Value: raw})
	m.mu.Unlock()
	m.dispatch()
	return true, nil
}

// Remove deletes the path and its whole subtree, emitting a removal
// event per deleted key.
func (m *Memory) Remove(_ context.Context, path string) error {
	prefix := path + "/"
	m.mu.Lock()
	var removed []string
	for key := range m.data {
		if key == path || strings.HasPrefix(key, prefix) {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		delete(m.data, key)
		m.enqueue(Event{Path: key, Kind: KindRemoved})
	}
	m.mu.Unlock()
	m.dispatch()
	return nil
}

func (m *Memory) Subscribe(_ context.Context, pattern string, fn func(Event)) (UnsubscribeFunc, error) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	sub := &subscription{pattern: pattern, fn: fn}
	m.subs[id] = sub

	// Deliver existing matches first, in key order, so a late joiner
	// reconstructs current state before seeing live updates.
	var initial []Event
	for key := range m.data {
		if matchPattern(pattern, key) {
			initial = append(initial, Event{Path: key, Kind: KindSet, Value: m.data[key]})
		}
	}
	sort.Slice(initial, func(i, j int) bool { return initial[i].Path < initial[j].Path })
	m.mu.Unlock()
	for _, ev := range initial {
		fn(ev)
	}

	return func() {
		m.mu.Lock()
		sub.done = true
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// enqueue must be called with mu held.
func (m *Memory) enqueue(ev Event) {
	m.queue = append(m.queue, ev)
}

// dispatch drains the notification queue. Only one goroutine drains at
// a time; re-entrant writes from callbacks are appended and picked up
// by the outer drain, preserving write order.
func (m *Memory) dispatch() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.queue) > 0 {
		ev := m.queue[0]
		m.queue = m.queue[1:]

		var targets []func(Event)
		for _, sub := range m.subs {
			if !sub.done && matchPattern(sub.pattern, ev.Path) {
				targets = append(targets, sub.fn)
			}
		}
		m.mu.Unlock()
		for _, fn := range targets {
			fn(ev)
		}
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}

// matchPattern reports whether a concrete path matches a subscription
// pattern: "*" matches one segment, a trailing ">" matches the rest.
func matchPattern(pattern, path string) bool {
	if pattern == path {
		return true
	}
	pt := strings.Split(pattern, "/")
	ps := strings.Split(path, "/")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(ps) >= i
		}
		if i >= len(ps) {
			return false
		}
		if tok != "*" && tok != ps[i] {
			return false
		}
	}
	return len(ps) == len(pt)
}

// MemoryClient scopes last-will registrations to one simulated
// connection over a shared Memory store.
type MemoryClient struct {
	store *Memory

	mu     sync.Mutex
	closed bool
	wills  []willEntry
}

type willEntry struct {
	path  string
	value any
}

func (c *MemoryClient) Get(ctx context.Context, path string, out any) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	return c.store.Get(ctx, path, out)
}

func (c *MemoryClient) Set(ctx context.Context, path string, value any) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.store.Set(ctx, path, value)
}

func (c *MemoryClient) SetIfAbsent(ctx context.Context, path string, value any) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	return c.store.SetIfAbsent(ctx, path, value)
}

func (c *MemoryClient) Remove(ctx context.Context, path string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.store.Remove(ctx, path)
}

func (c *MemoryClient) Subscribe(ctx context.Context, pattern string, fn func(Event)) (UnsubscribeFunc, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.store.Subscribe(ctx, pattern, fn)
}

// SetOnDisconnect registers a write applied when the client closes.
func (c *MemoryClient) SetOnDisconnect(_ context.Context, path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.wills = append(c.wills, willEntry{path: path, value: value})
	return nil
}

// Close simulates the connection dropping: registered last-will writes
// are applied through the shared store. Safe to call more than once.
func (c *MemoryClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wills := c.wills
	c.wills = nil
	c.mu.Unlock()

	for _, w := range wills {
		_ = c.store.Set(context.Background(), w.path, w.value)
	}
}

func (c *MemoryClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
