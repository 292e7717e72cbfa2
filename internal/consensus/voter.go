// Package consensus implements the time-bounded unanimous-agreement
// protocol used for instant-verdict and retrial requests. A vote is
// open exactly while its shared request record exists; agreement
// requires every currently present non-system participant to have cast
// an explicit true vote, so a participant joining mid-vote reverts a
// stale count match back to "not agreed".
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

var (
	// ErrVoteInProgress is returned by Open when a request already exists.
	ErrVoteInProgress = errors.New("consensus: vote already in progress")
	// ErrNoVote is returned by Agree when no request is open.
	ErrNoVote = errors.New("consensus: no vote in progress")
)

// CloseReason says why a vote stopped being open.
type CloseReason string

const (
	ReasonAgreed    CloseReason = "agreed"
	ReasonTimeout   CloseReason = "timeout"
	ReasonCancelled CloseReason = "cancelled"
)

// Callbacks are invoked as the vote lifecycle progresses. Either may
// be nil. OnClosed with ReasonAgreed fires at most once per request on
// each client; the shared record is marked concluded and deleted
// before it fires so the downstream action cannot double-trigger off
// a stale record.
type Callbacks struct {
	OnOpened func(req models.ConsensusRequest)
	OnClosed func(reason CloseReason, req models.ConsensusRequest)
}

// Voter runs one purpose's consensus protocol for a session.
type Voter struct {
	st        store.Store
	sessionID string
	purpose   models.VotePurpose
	clock     clockwork.Clock
	timeout   time.Duration
	// participants supplies the live list; unanimity is recomputed
	// against it on every observed change.
	participants func() []models.Participant
	cb           Callbacks

	mu      sync.Mutex
	request *models.ConsensusRequest
	agreed  map[string]bool
	fired   bool
	// closedID is the ID of the last request a close was reported for.
	closedID string
	cancelT  chan struct{}

	unsubs []store.UnsubscribeFunc
}

// NewVoter creates a voter for one purpose of one session.
func NewVoter(st store.Store, sessionID string, purpose models.VotePurpose, clock clockwork.Clock, timeout time.Duration, participants func() []models.Participant, cb Callbacks) *Voter {
	return &Voter{
		st:           st,
		sessionID:    sessionID,
		purpose:      purpose,
		clock:        clock,
		timeout:      timeout,
		participants: participants,
		cb:           cb,
		agreed:       make(map[string]bool),
	}
}

// Start subscribes to the request record and the agreement entries.
func (v *Voter) Start(ctx context.Context) error {
	unsub, err := v.st.Subscribe(ctx, store.ConsensusRequestPath(v.sessionID, v.purpose), v.handleRequestEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s request: %w", v.purpose, err)
	}
	v.unsubs = append(v.unsubs, unsub)

	unsub, err = v.st.Subscribe(ctx, store.AgreedPattern(v.sessionID, v.purpose), v.handleAgreeEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s agreements: %w", v.purpose, err)
	}
	v.unsubs = append(v.unsubs, unsub)
	return nil
}

// Stop cancels subscriptions and any running timeout. Safe to call
// more than once.
func (v *Voter) Stop() {
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.mu.Lock()
	v.stopTimeoutLocked()
	v.mu.Unlock()
}

// Purpose returns which flow this voter runs.
func (v *Voter) Purpose() models.VotePurpose { return v.purpose }

// Open creates the shared request if no vote is in progress.
func (v *Voter) Open(ctx context.Context, requestedBy string) error {
	req := models.ConsensusRequest{
		ID:          uuid.NewString(),
		Requested:   true,
		RequestedAt: v.clock.Now(),
		RequestedBy: requestedBy,
	}
	won, err := v.st.SetIfAbsent(ctx, store.ConsensusRequestPath(v.sessionID, v.purpose), req)
	if err != nil {
		return fmt.Errorf("open %s vote: %w", v.purpose, err)
	}
	if !won {
		return ErrVoteInProgress
	}
	return nil
}

// Agree records the participant's explicit agreement. Paid privilege
// never substitutes for this call; it only changes what the agreement
// consumes for that participant.
func (v *Voter) Agree(ctx context.Context, participantID string) error {
	v.mu.Lock()
	open := v.request != nil
	v.mu.Unlock()
	if !open {
		return ErrNoVote
	}
	path := store.AgreedEntryPath(v.sessionID, v.purpose, participantID)
	if err := v.st.Set(ctx, path, true); err != nil {
		return fmt.Errorf("agree %s vote: %w", v.purpose, err)
	}
	return nil
}

// Cancel withdraws an open vote for everyone.
func (v *Voter) Cancel(ctx context.Context) error {
	if err := v.st.Remove(ctx, store.ConsensusPath(v.sessionID, v.purpose)); err != nil {
		return fmt.Errorf("cancel %s vote: %w", v.purpose, err)
	}
	return nil
}

// OpenRequest returns the open request, if any.
func (v *Voter) OpenRequest() (models.ConsensusRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.request == nil {
		return models.ConsensusRequest{}, false
	}
	return *v.request, true
}

func (v *Voter) handleRequestEvent(ev store.Event) {
	switch ev.Kind {
	case store.KindSet:
		var req models.ConsensusRequest
		if err := ev.Decode(&req); err != nil {
			log.Error().Err(err).Str("purpose", string(v.purpose)).Msg("decode consensus request")
			return
		}
		v.mu.Lock()
		fresh := v.request == nil
		v.request = &req
		if fresh {
			v.fired = false
			v.agreed = make(map[string]bool)
			if !req.Concluded {
				v.startTimeoutLocked(req)
			}
		}
		concluded := req.Concluded && !v.fired && req.ID != v.closedID
		if concluded {
			v.fired = true
			v.closedID = req.ID
			v.stopTimeoutLocked()
		}
		v.mu.Unlock()
		if fresh && !req.Concluded && v.cb.OnOpened != nil {
			v.cb.OnOpened(req)
		}
		if concluded {
			if v.cb.OnClosed != nil {
				v.cb.OnClosed(ReasonAgreed, req)
			}
			return
		}
		v.evaluate()

	case store.KindRemoved:
		v.mu.Lock()
		req := v.request
		// Removal after a concluded marker, a locally detected
		// agreement or a timeout has already been reported; a bare
		// removal of a not-yet-closed request is a cancellation.
		cancelled := req != nil && !v.fired && req.ID != v.closedID
		if cancelled {
			v.closedID = req.ID
		}
		v.request = nil
		v.agreed = make(map[string]bool)
		v.stopTimeoutLocked()
		v.mu.Unlock()
		if cancelled && v.cb.OnClosed != nil {
			v.cb.OnClosed(ReasonCancelled, *req)
		}
	}
}

func (v *Voter) handleAgreeEvent(ev store.Event) {
	pid := store.LastSegment(ev.Path)
	v.mu.Lock()
	switch ev.Kind {
	case store.KindRemoved:
		delete(v.agreed, pid)
	case store.KindSet:
		var agreed bool
		if err := ev.Decode(&agreed); err != nil {
			v.mu.Unlock()
			log.Error().Err(err).Str("path", ev.Path).Msg("decode agreement entry")
			return
		}
		v.agreed[pid] = agreed
	}
	v.mu.Unlock()
	v.evaluate()
}

// evaluate checks unanimity against the live participant list and, on
// the first detection, deletes the shared record and reports agreement.
func (v *Voter) evaluate() {
	v.mu.Lock()
	if v.request == nil || v.fired || v.request.ID == v.closedID {
		v.mu.Unlock()
		return
	}
	req := *v.request

	real := 0
	unanimous := true
	for _, p := range v.participants() {
		if p.System() {
			continue
		}
		real++
		if !v.agreed[p.ID] {
			unanimous = false
		}
	}
	// The per-id check is authoritative; the count comparison guards
	// against an empty room and a stale snapshot both at once.
	if real == 0 || len(v.agreed) < real {
		unanimous = false
	}
	if !unanimous {
		v.mu.Unlock()
		return
	}
	v.fired = true
	v.closedID = req.ID
	v.stopTimeoutLocked()
	v.mu.Unlock()

	ctx := context.Background()
	// The concluded marker goes out on the request path ahead of the
	// removal, ordered with it, so a subscriber that sees the removal
	// before the final agreement entry still closes the vote as agreed.
	req.Concluded = true
	if err := v.st.Set(ctx, store.ConsensusRequestPath(v.sessionID, v.purpose), req); err != nil {
		log.Error().Err(err).Str("purpose", string(v.purpose)).Msg("mark vote concluded")
	}
	if err := v.st.Remove(ctx, store.ConsensusPath(v.sessionID, v.purpose)); err != nil {
		log.Error().Err(err).Str("purpose", string(v.purpose)).Msg("remove agreed vote record")
	}
	log.Info().
		Str("session_id", v.sessionID).
		Str("purpose", string(v.purpose)).
		Str("requested_by", req.RequestedBy).
		Msg("consensus reached")
	if v.cb.OnClosed != nil {
		v.cb.OnClosed(ReasonAgreed, req)
	}
}

// startTimeoutLocked arms the wall-clock timeout for an open request.
// Caller holds v.mu.
func (v *Voter) startTimeoutLocked(req models.ConsensusRequest) {
	v.stopTimeoutLocked()
	cancel := make(chan struct{})
	v.cancelT = cancel

	deadline := req.RequestedAt.Add(v.timeout)
	wait := deadline.Sub(v.clock.Now())
	if wait < 0 {
		wait = 0
	}
	timer := v.clock.NewTimer(wait)

	go func() {
		select {
		case <-cancel:
			stopAndDrainTimer(timer)
		case <-timer.Chan():
			v.fireTimeout()
		}
	}()
}

// stopTimeoutLocked cancels a pending timeout. Caller holds v.mu.
// Safe to call when no timeout is armed.
func (v *Voter) stopTimeoutLocked() {
	if v.cancelT != nil {
		close(v.cancelT)
		v.cancelT = nil
	}
}

func (v *Voter) fireTimeout() {
	v.mu.Lock()
	if v.request == nil || v.fired || v.request.ID == v.closedID {
		v.mu.Unlock()
		return
	}
	req := *v.request
	v.fired = true
	v.closedID = req.ID
	v.cancelT = nil
	v.mu.Unlock()

	if err := v.st.Remove(context.Background(), store.ConsensusPath(v.sessionID, v.purpose)); err != nil {
		log.Error().Err(err).Str("purpose", string(v.purpose)).Msg("remove timed-out vote record")
	}
	log.Info().
		Str("session_id", v.sessionID).
		Str("purpose", string(v.purpose)).
		Msg("consensus vote timed out")
	if v.cb.OnClosed != nil {
		v.cb.OnClosed(ReasonTimeout, req)
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel so the
// waiting goroutine never leaks a buffered fire.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
