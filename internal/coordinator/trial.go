package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// StartTrial begins a fresh round. Host only. Stale vote and readiness
// records from any previous round are cleared before the timer starts.
func (c *Coordinator) StartTrial(ctx context.Context, duration time.Duration) error {
	if err := c.requireHost(); err != nil {
		return err
	}
	if duration <= 0 {
		duration = c.cfg.DefaultTrialDuration
	}
	if err := c.clearRoundRecords(ctx); err != nil {
		return err
	}
	if err := c.engine.StartTrial(ctx, duration); err != nil {
		return err
	}
	log.Info().
		Str("session_id", c.sessionID).
		Dur("duration", duration).
		Msg("trial started")
	return nil
}

// PauseTrial freezes the countdown. Any participant may pause.
func (c *Coordinator) PauseTrial(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.engine.Pause(ctx)
}

// ResumeTrial restarts a paused countdown. Idempotent.
func (c *Coordinator) ResumeTrial(ctx context.Context) error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.engine.Resume(ctx)
}

// EndTrial completes the round early with an explicit reason, e.g. a
// moderation layer closing the round over aggressive language. Host
// only.
func (c *Coordinator) EndTrial(ctx context.Context, reason models.EndReason) error {
	if err := c.requireHost(); err != nil {
		return err
	}
	return c.engine.Complete(ctx, reason)
}

// ResetTrial clears the timer back to idle. Host only.
func (c *Coordinator) ResetTrial(ctx context.Context) error {
	if err := c.requireHost(); err != nil {
		return err
	}
	return c.engine.Reset(ctx)
}

// Remaining returns the derived remaining seconds of the countdown.
func (c *Coordinator) Remaining() int {
	return c.engine.Remaining()
}

// TimerRecord returns the last observed shared record.
func (c *Coordinator) TimerRecord() (models.TimerRecord, bool) {
	return c.engine.Current()
}

// StartNewRound clears every per-round record: timer, both readiness
// sets and gates, both consensus requests, the paid set and the
// payment lock, and signals all clients to drop their cached lock
// indicator. Host only. Retrial rounds come through the same path.
func (c *Coordinator) StartNewRound(ctx context.Context) error {
	if err := c.requireHost(); err != nil {
		return err
	}
	if err := c.clearRoundRecords(ctx); err != nil {
		return err
	}
	if err := c.st.Remove(ctx, store.TimerPath(c.sessionID)); err != nil {
		return fmt.Errorf("clear timer: %w", err)
	}
	if err := c.st.Remove(ctx, store.PaidUsersPath(c.sessionID)); err != nil {
		return fmt.Errorf("clear paid users: %w", err)
	}
	if err := c.lock.Release(ctx, c.displayName, true); err != nil {
		return fmt.Errorf("clear payment lock: %w", err)
	}
	if err := c.systemMessage(ctx, "a new round is starting"); err != nil {
		return err
	}
	log.Info().Str("session_id", c.sessionID).Msg("new round started")
	return nil
}

// clearRoundRecords removes readiness, gates and consensus state for
// the upcoming round.
func (c *Coordinator) clearRoundRecords(ctx context.Context) error {
	for _, phase := range []models.ReadinessPhase{models.PhasePreTrial, models.PhasePostVerdict} {
		if err := c.st.Remove(ctx, store.ReadinessPath(c.sessionID, phase)); err != nil {
			return fmt.Errorf("clear readiness %s: %w", phase, err)
		}
		if err := c.st.Remove(ctx, store.ReadyGatePath(c.sessionID, phase)); err != nil {
			return fmt.Errorf("clear gate %s: %w", phase, err)
		}
	}
	for purpose := range c.voters {
		if err := c.st.Remove(ctx, store.ConsensusPath(c.sessionID, purpose)); err != nil {
			return fmt.Errorf("clear %s vote: %w", purpose, err)
		}
	}
	c.mu.Lock()
	c.gateInFlight = make(map[models.ReadinessPhase]bool)
	c.votePauseOwner = false
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) onTimerTick(remaining int) {
	c.emit(EventTimerTick, TimerTickPayload{RemainingSec: remaining})
}

func (c *Coordinator) onTimerReset() {
	c.emit(EventTimerReset, nil)
}

// onTimerCompleted fires once per round on every client. Only the host
// runs the downstream verdict request; everyone else just renders the
// completed state.
func (c *Coordinator) onTimerCompleted(rec models.TimerRecord) {
	c.emit(EventTimerCompleted, TimerCompletedPayload{EndReason: rec.EndReason})

	c.mu.Lock()
	isHost := c.isHost
	c.votePauseOwner = false
	c.mu.Unlock()
	if !isHost {
		return
	}

	// The generator call can be slow; keep it off the reaction path.
	go c.publishVerdict(context.Background(), rec)
}

func (c *Coordinator) publishVerdict(ctx context.Context, rec models.TimerRecord) {
	roundID := roundIDFor(rec)
	transcript := c.Transcript()
	participants := c.Participants()

	published, err := c.publisher.Publish(ctx, roundID, transcript, participants)
	if err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("publish verdict")
		return
	}

	if c.archive == nil {
		return
	}
	completedAt := c.clock.Now()
	if rec.CompletedAt != nil {
		completedAt = *rec.CompletedAt
	}
	round := models.RoundRecord{
		SessionID:   c.sessionID,
		RoundID:     roundID,
		EndReason:   rec.EndReason,
		Transcript:  transcript,
		Verdict:     published.Data,
		CompletedAt: completedAt,
	}
	if err := c.archive.SaveRound(ctx, round); err != nil {
		log.Error().Err(err).Str("session_id", c.sessionID).Msg("archive round")
	}
}

// roundIDFor derives a stable round identifier from the shared start
// epoch, so every client names the round identically without another
// coordination path.
func roundIDFor(rec models.TimerRecord) string {
	if rec.StartedAt == nil {
		return "round-0"
	}
	return fmt.Sprintf("round-%d", rec.StartedAt.UnixNano())
}

// ViewVerdictAgain returns the locally cached last verdict. It never
// re-writes the shared record, so re-viewing by one user cannot
// re-open the modal on other screens.
func (c *Coordinator) ViewVerdictAgain() (models.VerdictRecord, bool) {
	return c.watcher.Cached()
}
