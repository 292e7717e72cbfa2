package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/consensus"
	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/readiness"
	"github.com/verdictlab/courtroom/internal/store"
)

// MarkReady records this participant's readiness for the given phase.
func (c *Coordinator) MarkReady(ctx context.Context, phase models.ReadinessPhase) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.tracker(phase).MarkReady(ctx, c.participantID)
}

// AllReady reports whether the phase's gate condition currently holds.
func (c *Coordinator) AllReady(phase models.ReadinessPhase) bool {
	return c.tracker(phase).AllReady(c.Participants())
}

func (c *Coordinator) tracker(phase models.ReadinessPhase) *readiness.Tracker {
	if phase == models.PhasePostVerdict {
		return c.postTrial
	}
	return c.preTrial
}

// maybeOpenGate re-evaluates a phase's gate after a readiness or
// membership change. Only the host reacts; non-host clients observe
// the gate record instead, so two clients never race gate-open writes.
func (c *Coordinator) maybeOpenGate(phase models.ReadinessPhase, retrial bool) {
	c.mu.Lock()
	eligible := c.joined && c.isHost
	c.mu.Unlock()
	if !eligible {
		return
	}
	if !c.tracker(phase).AllReady(c.Participants()) {
		return
	}
	c.openGate(phase, retrial)
}

// openGate writes the gate record at most once per round. The local
// busy flag absorbs two near-simultaneous readiness updates; the
// set-if-absent write absorbs anything that slips past it.
func (c *Coordinator) openGate(phase models.ReadinessPhase, retrial bool) {
	c.mu.Lock()
	if c.gateInFlight[phase] {
		c.mu.Unlock()
		return
	}
	c.gateInFlight[phase] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.gateInFlight[phase] = false
		c.mu.Unlock()
	}()

	rec, _ := c.engine.Current()
	gate := models.ReadyGate{
		Round:    roundIDFor(rec),
		Retrial:  retrial,
		OpenedAt: c.clock.Now(),
		OpenedBy: c.participantID,
	}
	won, err := c.st.SetIfAbsent(context.Background(), store.ReadyGatePath(c.sessionID, phase), gate)
	if err != nil {
		log.Error().Err(err).Str("phase", string(phase)).Msg("open ready gate")
		return
	}
	if won {
		log.Info().
			Str("session_id", c.sessionID).
			Str("phase", string(phase)).
			Bool("retrial", retrial).
			Msg("ready gate opened")
	}
}

func (c *Coordinator) handleGateEvent(phase models.ReadinessPhase) func(store.Event) {
	return func(ev store.Event) {
		if ev.Kind != store.KindSet {
			return
		}
		var gate models.ReadyGate
		if err := ev.Decode(&gate); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("decode ready gate")
			return
		}
		c.emit(EventReadyGateOpened, GateOpenedPayload{Phase: phase, Gate: gate})
	}
}

// OpenVote starts a unanimous vote. Opening an instant-verdict vote
// pauses a running timer, and this client becomes the side-effect
// owner responsible for resuming it if the vote dies.
func (c *Coordinator) OpenVote(ctx context.Context, purpose models.VotePurpose) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	voter, ok := c.voters[purpose]
	if !ok {
		return fmt.Errorf("coordinator: unknown vote purpose %q", purpose)
	}
	if err := voter.Open(ctx, c.participantID); err != nil {
		return err
	}

	if purpose == models.PurposeInstantVerdict {
		if rec, have := c.engine.Current(); have && rec.Running() {
			c.mu.Lock()
			c.votePauseOwner = true
			c.mu.Unlock()
			if err := c.engine.Pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// AgreeVote casts this participant's explicit agreement. A paid
// participant's agreement on a retrial vote also consumes their
// purchased privilege; the privilege never substitutes for the vote.
func (c *Coordinator) AgreeVote(ctx context.Context, purpose models.VotePurpose) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	voter, ok := c.voters[purpose]
	if !ok {
		return fmt.Errorf("coordinator: unknown vote purpose %q", purpose)
	}
	if err := voter.Agree(ctx, c.participantID); err != nil {
		return err
	}

	if purpose == models.PurposeRetrial && c.paid.IsPaid(c.displayName) {
		if err := c.st.Remove(ctx, store.PaidUserPath(c.sessionID, c.displayName)); err != nil {
			return fmt.Errorf("consume paid privilege: %w", err)
		}
		log.Info().
			Str("session_id", c.sessionID).
			Str("user", c.displayName).
			Msg("retrial privilege consumed by explicit vote")
	}
	return nil
}

// CancelVote withdraws an open vote. Allowed for the requester and for
// the host.
func (c *Coordinator) CancelVote(ctx context.Context, purpose models.VotePurpose) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	voter, ok := c.voters[purpose]
	if !ok {
		return fmt.Errorf("coordinator: unknown vote purpose %q", purpose)
	}
	req, open := voter.OpenRequest()
	if open && req.RequestedBy != c.participantID && !c.IsHost() {
		return ErrNotHost
	}
	return voter.Cancel(ctx)
}

func (c *Coordinator) onVoteOpened(purpose models.VotePurpose) func(models.ConsensusRequest) {
	return func(req models.ConsensusRequest) {
		c.emit(EventVoteOpened, VoteOpenedPayload{
			Purpose:     purpose,
			RequestedBy: req.RequestedBy,
			RequestedAt: req.RequestedAt,
		})
	}
}

func (c *Coordinator) onVoteClosed(purpose models.VotePurpose) func(consensus.CloseReason, models.ConsensusRequest) {
	return func(reason consensus.CloseReason, req models.ConsensusRequest) {
		c.emit(EventVoteClosed, VoteClosedPayload{
			Purpose:     purpose,
			Reason:      string(reason),
			RequestedBy: req.RequestedBy,
		})

		switch reason {
		case consensus.ReasonAgreed:
			c.onVoteAgreed(purpose)
		case consensus.ReasonTimeout, consensus.ReasonCancelled:
			c.reverseVoteSideEffects(purpose)
		}
	}
}

// onVoteAgreed runs the single downstream action for a concluded vote.
// Only the host triggers it; the shared record is already deleted, so
// it cannot fire twice off stale state.
func (c *Coordinator) onVoteAgreed(purpose models.VotePurpose) {
	c.mu.Lock()
	isHost := c.isHost
	c.mu.Unlock()
	if !isHost {
		return
	}

	ctx := context.Background()
	switch purpose {
	case models.PurposeInstantVerdict:
		// Completion feeds the same downstream path as time expiry:
		// the host observes it and requests the verdict.
		if err := c.engine.Complete(ctx, models.EndReasonUserEnded); err != nil {
			log.Error().Err(err).Str("session_id", c.sessionID).Msg("complete trial after instant-verdict consensus")
			return
		}
		c.openGate(models.PhasePostVerdict, false)
	case models.PurposeRetrial:
		c.openGate(models.PhasePostVerdict, true)
	}
}

// reverseVoteSideEffects undoes what opening the vote did, on the
// client that owns the side effect. Resuming an already running (or
// completed) timer is a no-op, so racing reversals are harmless.
func (c *Coordinator) reverseVoteSideEffects(purpose models.VotePurpose) {
	if purpose != models.PurposeInstantVerdict {
		return
	}
	c.mu.Lock()
	owner := c.votePauseOwner
	c.votePauseOwner = false
	c.mu.Unlock()
	if !owner {
		return
	}
	if err := c.engine.Resume(context.Background()); err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("resume trial after vote timeout")
	}
}
