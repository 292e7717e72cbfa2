// Package coordinator ties the trial-timer state machine, readiness
// gates, consensus votes, payment lock and host-presence policy into
// one SessionCoordinator per (session, client). Every client mutates
// only the shared store and reacts only to the store's push
// notifications, never to its own optimistic state, so all clients
// converge on the same observed order of events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/config"
	"github.com/verdictlab/courtroom/internal/consensus"
	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/payment"
	"github.com/verdictlab/courtroom/internal/presence"
	"github.com/verdictlab/courtroom/internal/readiness"
	"github.com/verdictlab/courtroom/internal/store"
	"github.com/verdictlab/courtroom/internal/timer"
	"github.com/verdictlab/courtroom/internal/verdict"
)

var (
	// ErrNotHost rejects a host-only action locally, before any
	// store mutation is attempted.
	ErrNotHost = errors.New("coordinator: only the host may perform this action")
	// ErrInvalidName rejects a join with a missing or oversized
	// display name.
	ErrInvalidName = errors.New("coordinator: display name must be 1-10 characters")
	// ErrNotJoined rejects operations before Join succeeded.
	ErrNotJoined = errors.New("coordinator: not joined to the session")
)

// RoundArchiver persists completed rounds. Optional; a nil archiver
// disables archiving.
type RoundArchiver interface {
	SaveRound(ctx context.Context, round models.RoundRecord) error
}

// Options configures one client's coordinator for one session.
type Options struct {
	Store         store.Store
	SessionID     string
	ParticipantID string
	DisplayName   string
	Clock         clockwork.Clock
	Config        config.Coordinator
	// Generator is the external verdict collaborator. Required on the
	// client that may become host.
	Generator verdict.Generator
	// Archive persists finished rounds; nil disables it.
	Archive RoundArchiver
	// Sink receives UI notifications; nil discards them.
	Sink Sink
}

// Coordinator is one client's view of one session.
type Coordinator struct {
	st            store.Store
	sessionID     string
	participantID string
	displayName   string
	clock         clockwork.Clock
	cfg           config.Coordinator
	generator     verdict.Generator
	archive       RoundArchiver
	sink          Sink

	engine    *timer.Engine
	preTrial  *readiness.Tracker
	postTrial *readiness.Tracker
	voters    map[models.VotePurpose]*consensus.Voter
	lock      *payment.Lock
	paid      *payment.PaidUsers
	watcher   *verdict.Watcher
	monitor   *presence.Monitor
	publisher *verdict.Publisher

	mu           sync.Mutex
	joined       bool
	isHost       bool
	hostID       string
	participants map[string]models.Participant
	messages     map[string]models.TranscriptEntry
	// votePauseOwner marks this client as the one that paused the
	// timer for an instant-verdict vote, and therefore the one that
	// reverses it on timeout or cancellation.
	votePauseOwner bool
	// gateInFlight is the short-lived busy flag preventing two
	// near-simultaneous readiness updates from racing two gate-open
	// writes out of this client.
	gateInFlight map[models.ReadinessPhase]bool
	// returnedAt is set when the UI reports this device arrived back
	// from a payment redirect.
	returnedAt *time.Time

	unsubs []store.UnsubscribeFunc
}

// New validates options and builds an unjoined coordinator. Call Join
// before any other operation.
func New(opts Options) (*Coordinator, error) {
	name := strings.TrimSpace(opts.DisplayName)
	if name == "" || len([]rune(name)) > models.MaxDisplayNameLen {
		return nil, ErrInvalidName
	}
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if opts.SessionID == "" || opts.ParticipantID == "" {
		return nil, errors.New("coordinator: session and participant ids are required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Coordinator{
		st:            opts.Store,
		sessionID:     opts.SessionID,
		participantID: opts.ParticipantID,
		displayName:   name,
		clock:         clock,
		cfg:           opts.Config,
		generator:     opts.Generator,
		archive:       opts.Archive,
		sink:          opts.Sink,
		participants:  make(map[string]models.Participant),
		messages:      make(map[string]models.TranscriptEntry),
		gateInFlight:  make(map[models.ReadinessPhase]bool),
	}

	c.engine = timer.NewEngine(opts.Store, opts.SessionID, clock, timer.Callbacks{
		OnTick:      c.onTimerTick,
		OnCompleted: c.onTimerCompleted,
		OnReset:     c.onTimerReset,
	})
	c.preTrial = readiness.NewTracker(opts.Store, opts.SessionID, models.PhasePreTrial, func() {
		c.maybeOpenGate(models.PhasePreTrial, false)
	})
	c.postTrial = readiness.NewTracker(opts.Store, opts.SessionID, models.PhasePostVerdict, func() {
		c.maybeOpenGate(models.PhasePostVerdict, false)
	})
	c.voters = map[models.VotePurpose]*consensus.Voter{
		models.PurposeInstantVerdict: consensus.NewVoter(opts.Store, opts.SessionID, models.PurposeInstantVerdict,
			clock, opts.Config.VoteTimeout, c.Participants, consensus.Callbacks{
				OnOpened: c.onVoteOpened(models.PurposeInstantVerdict),
				OnClosed: c.onVoteClosed(models.PurposeInstantVerdict),
			}),
		models.PurposeRetrial: consensus.NewVoter(opts.Store, opts.SessionID, models.PurposeRetrial,
			clock, opts.Config.VoteTimeout, c.Participants, consensus.Callbacks{
				OnOpened: c.onVoteOpened(models.PurposeRetrial),
				OnClosed: c.onVoteClosed(models.PurposeRetrial),
			}),
	}
	c.lock = payment.NewLock(opts.Store, opts.SessionID, clock, payment.Callbacks{
		OnChanged: func(lock models.PaymentLock) { c.emit(EventPaymentLockChanged, lock) },
		OnCleared: func() { c.emit(EventPaymentLockCleared, nil) },
	})
	c.paid = payment.NewPaidUsers(opts.Store, opts.SessionID, clock)
	c.watcher = verdict.NewWatcher(opts.Store, opts.SessionID, verdict.WatcherCallbacks{
		OnLoading: func(rec models.VerdictLoadingRecord) { c.emit(EventVerdictLoading, rec) },
		OnVerdict: func(rec models.VerdictRecord) { c.emit(EventVerdictReady, rec) },
	})
	c.publisher = verdict.NewPublisher(opts.Store, opts.SessionID, clock, opts.Generator)
	return c, nil
}

// Join enters the session: first writer of the host slot becomes host,
// everyone registers under the participants mapping, and all shared
// paths are subscribed. The host announces presence with a last-will
// false; non-hosts start the presence monitor.
func (c *Coordinator) Join(ctx context.Context) error {
	won, err := c.st.SetIfAbsent(ctx, store.HostPath(c.sessionID), c.participantID)
	if err != nil {
		return fmt.Errorf("host election: %w", err)
	}
	// Re-read to confirm who won; SetIfAbsent is atomic but the
	// confirming read keeps the election honest on substrates that
	// shim it over last-write-wins.
	var hostID string
	if _, err := c.st.Get(ctx, store.HostPath(c.sessionID), &hostID); err != nil {
		return fmt.Errorf("confirm host election: %w", err)
	}

	c.mu.Lock()
	c.hostID = hostID
	c.isHost = hostID == c.participantID
	c.joined = true
	c.mu.Unlock()

	participant := models.Participant{
		ID:          c.participantID,
		DisplayName: c.displayName,
		JoinedAt:    c.clock.Now(),
	}
	if err := c.st.Set(ctx, store.ParticipantPath(c.sessionID, c.participantID), participant); err != nil {
		return fmt.Errorf("register participant: %w", err)
	}

	if err := c.subscribeAll(ctx); err != nil {
		return err
	}

	if won || c.isHost {
		if err := presence.Announce(ctx, c.st, c.sessionID); err != nil {
			return err
		}
	} else {
		c.monitor = presence.NewMonitor(c.st, c.sessionID, c.clock, presence.Policy{
			Watchdog:     c.cfg.PaymentWatchdog,
			ReturnGrace:  c.cfg.ReturnGrace,
			ArrivalGrace: c.cfg.ArrivalGrace,
		}, c.evidence(), c.hostDisplayName, presence.Callbacks{
			OnHostAway:     func(reason string) { c.emit(EventHostAway, HostAwayPayload{Reason: reason}) },
			OnHostReturned: func() { c.emit(EventHostReturned, nil) },
			OnHostLeft:     func() { c.emit(EventHostLeft, nil) },
		})
		if err := c.monitor.Start(ctx); err != nil {
			return err
		}
	}

	if err := c.systemMessage(ctx, fmt.Sprintf("%s joined the session", c.displayName)); err != nil {
		return err
	}

	log.Info().
		Str("session_id", c.sessionID).
		Str("participant_id", c.participantID).
		Bool("is_host", c.isHost).
		Msg("joined session")
	return nil
}

func (c *Coordinator) subscribeAll(ctx context.Context) error {
	unsub, err := c.st.Subscribe(ctx, store.ParticipantsPattern(c.sessionID), c.handleParticipantEvent)
	if err != nil {
		return fmt.Errorf("subscribe participants: %w", err)
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = c.st.Subscribe(ctx, store.MessagesPattern(c.sessionID), c.handleMessageEvent)
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = c.st.Subscribe(ctx, store.ReadyGatePath(c.sessionID, models.PhasePreTrial), c.handleGateEvent(models.PhasePreTrial))
	if err != nil {
		return fmt.Errorf("subscribe pre-trial gate: %w", err)
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = c.st.Subscribe(ctx, store.ReadyGatePath(c.sessionID, models.PhasePostVerdict), c.handleGateEvent(models.PhasePostVerdict))
	if err != nil {
		return fmt.Errorf("subscribe post-verdict gate: %w", err)
	}
	c.unsubs = append(c.unsubs, unsub)

	if err := c.engine.Start(ctx); err != nil {
		return err
	}
	if err := c.preTrial.Start(ctx); err != nil {
		return err
	}
	if err := c.postTrial.Start(ctx); err != nil {
		return err
	}
	for _, v := range c.voters {
		if err := v.Start(ctx); err != nil {
			return err
		}
	}
	if err := c.lock.Start(ctx); err != nil {
		return err
	}
	if err := c.paid.Start(ctx); err != nil {
		return err
	}
	return c.watcher.Start(ctx)
}

// Leave removes this participant and tears down subscriptions. The
// session itself logically ends when everyone has left; the records
// are not deleted here.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	c.mu.Unlock()

	if err := c.st.Remove(ctx, store.ParticipantPath(c.sessionID, c.participantID)); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	_ = c.systemMessage(ctx, fmt.Sprintf("%s left the session", c.displayName))
	c.Close()
	return nil
}

// Close tears down subscriptions and timers without mutating shared
// state. Safe to call more than once.
func (c *Coordinator) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.engine.Stop()
	c.preTrial.Stop()
	c.postTrial.Stop()
	for _, v := range c.voters {
		v.Stop()
	}
	c.lock.Stop()
	c.paid.Stop()
	c.watcher.Stop()
	if c.monitor != nil {
		c.monitor.Stop()
	}
}

// IsHost reports whether this client won the host election.
func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHost
}

// Participants returns the live list ordered by join time.
func (c *Coordinator) Participants() []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Transcript returns all messages in timestamp order.
func (c *Coordinator) Transcript() []models.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.TranscriptEntry, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// SendMessage appends a chat message to the shared transcript.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	entry := models.TranscriptEntry{
		ID:        uuid.New().String(),
		SpeakerID: c.participantID,
		Speaker:   c.displayName,
		Text:      text,
		Timestamp: c.clock.Now(),
	}
	if err := c.st.Set(ctx, store.MessagePath(c.sessionID, entry.ID), entry); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *Coordinator) systemMessage(ctx context.Context, text string) error {
	entry := models.TranscriptEntry{
		ID:        uuid.New().String(),
		SpeakerID: models.SystemParticipantID,
		Speaker:   models.SystemParticipantID,
		Text:      text,
		System:    true,
		Timestamp: c.clock.Now(),
	}
	if err := c.st.Set(ctx, store.MessagePath(c.sessionID, entry.ID), entry); err != nil {
		return fmt.Errorf("write system message: %w", err)
	}
	return nil
}

func (c *Coordinator) handleParticipantEvent(ev store.Event) {
	pid := store.LastSegment(ev.Path)
	switch ev.Kind {
	case store.KindRemoved:
		c.mu.Lock()
		p, known := c.participants[pid]
		delete(c.participants, pid)
		c.mu.Unlock()
		if known {
			c.emit(EventParticipantLeft, ParticipantPayload{Participant: p})
		}
	case store.KindSet:
		var p models.Participant
		if err := ev.Decode(&p); err != nil {
			log.Error().Err(err).Str("path", ev.Path).Msg("decode participant")
			return
		}
		c.mu.Lock()
		_, known := c.participants[pid]
		c.participants[pid] = p
		c.mu.Unlock()
		if !known {
			c.emit(EventParticipantJoined, ParticipantPayload{Participant: p})
		}
	}
	// Membership affects both headcount protocols; recompute.
	c.maybeOpenGate(models.PhasePreTrial, false)
	c.maybeOpenGate(models.PhasePostVerdict, false)
}

func (c *Coordinator) handleMessageEvent(ev store.Event) {
	id := store.LastSegment(ev.Path)
	switch ev.Kind {
	case store.KindRemoved:
		c.mu.Lock()
		delete(c.messages, id)
		c.mu.Unlock()
	case store.KindSet:
		var entry models.TranscriptEntry
		if err := ev.Decode(&entry); err != nil {
			log.Error().Err(err).Str("path", ev.Path).Msg("decode message")
			return
		}
		c.mu.Lock()
		_, known := c.messages[id]
		c.messages[id] = entry
		c.mu.Unlock()
		if !known {
			c.emit(EventMessageAdded, entry)
		}
	}
}

func (c *Coordinator) hostDisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.participants[c.hostID]; ok {
		return p.DisplayName
	}
	return ""
}

func (c *Coordinator) requireJoined() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return ErrNotJoined
	}
	return nil
}

func (c *Coordinator) requireHost() error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isHost {
		return ErrNotHost
	}
	return nil
}
