// Package verdict handles one-shot publication of the AI-generated
// verdict and of the verdict-in-progress signal, so every client
// renders the same result exactly once without polling the generator.
package verdict

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

// Generator is the external verdict collaborator: transcript in,
// structured verdict out. It may fail; publication recovers with a
// fallback verdict instead of leaving other clients waiting.
type Generator interface {
	Generate(ctx context.Context, transcript []models.TranscriptEntry) (*models.VerdictPayload, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, transcript []models.TranscriptEntry) (*models.VerdictPayload, error)

func (f GeneratorFunc) Generate(ctx context.Context, transcript []models.TranscriptEntry) (*models.VerdictPayload, error) {
	return f(ctx, transcript)
}

// Publisher writes the loading signal and the verdict record. Only the
// host client runs it; role restriction lives in the coordinator.
type Publisher struct {
	st        store.Store
	sessionID string
	clock     clockwork.Clock
	generator Generator
}

// NewPublisher creates a publisher for one session.
func NewPublisher(st store.Store, sessionID string, clock clockwork.Clock, generator Generator) *Publisher {
	return &Publisher{
		st:        st,
		sessionID: sessionID,
		clock:     clock,
		generator: generator,
	}
}

// Publish generates and broadcasts the round's verdict. Generator
// failure degrades to a fallback verdict so the round still completes;
// the failure is logged, never surfaced as a hard error.
func (p *Publisher) Publish(ctx context.Context, roundID string, transcript []models.TranscriptEntry, participants []models.Participant) (models.VerdictRecord, error) {
	loading := models.VerdictLoadingRecord{IsLoading: true}
	if err := p.st.Set(ctx, store.VerdictLoadingPath(p.sessionID), loading); err != nil {
		return models.VerdictRecord{}, fmt.Errorf("write verdict loading signal: %w", err)
	}

	payload, err := p.generator.Generate(ctx, transcript)
	if err != nil || payload == nil {
		log.Error().Err(err).Str("session_id", p.sessionID).Msg("verdict generation failed; using fallback")
		fallback := Fallback(participants)
		payload = &fallback
	}

	rec := models.VerdictRecord{
		RoundID:     roundID,
		Data:        *payload,
		PublishedAt: p.clock.Now(),
	}
	if err := p.st.Set(ctx, store.VerdictPath(p.sessionID), rec); err != nil {
		return models.VerdictRecord{}, fmt.Errorf("write verdict record: %w", err)
	}

	done := models.VerdictLoadingRecord{IsReady: true}
	if err := p.st.Set(ctx, store.VerdictLoadingPath(p.sessionID), done); err != nil {
		return rec, fmt.Errorf("write verdict ready signal: %w", err)
	}
	return rec, nil
}

// Fallback builds the minimal verdict used when generation fails: an
// even responsibility split across the real participants.
func Fallback(participants []models.Participant) models.VerdictPayload {
	var real []models.Participant
	for _, p := range participants {
		if !p.System() {
			real = append(real, p)
		}
	}

	payload := models.VerdictPayload{
		Summary:  "The court could not reach a detailed verdict this round. Responsibility is shared evenly; consider a retrial.",
		Fallback: true,
	}
	if len(real) == 0 {
		return payload
	}
	share := 100 / len(real)
	remainder := 100 - share*len(real)
	for i, p := range real {
		pct := share
		if i == 0 {
			pct += remainder
		}
		payload.Breakdown = append(payload.Breakdown, models.ResponsibilityShare{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Percent:       pct,
			Rationale:     []string{"verdict generation was unavailable"},
		})
	}
	return payload
}
