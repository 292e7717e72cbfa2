package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/verdictlab/courtroom/internal/models"
)

// Repository stores completed rounds. It satisfies the coordinator's
// RoundArchiver interface.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveRound inserts a completed round. Re-publication of the same
// round is a no-op thanks to the (session_id, round_id) constraint.
func (r *Repository) SaveRound(ctx context.Context, round models.RoundRecord) error {
	transcript, err := json.Marshal(round.Transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}
	verdict, err := json.Marshal(round.Verdict)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	speakers := make([]string, 0, len(round.Transcript))
	seen := make(map[string]struct{})
	for _, entry := range round.Transcript {
		if entry.System {
			continue
		}
		if _, ok := seen[entry.Speaker]; ok {
			continue
		}
		seen[entry.Speaker] = struct{}{}
		speakers = append(speakers, entry.Speaker)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trial_rounds (session_id, round_id, end_reason, speakers, transcript, verdict, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, round_id) DO NOTHING`,
		round.SessionID,
		round.RoundID,
		string(round.EndReason),
		pq.Array(speakers),
		pqtype.NullRawMessage{RawMessage: transcript, Valid: true},
		pqtype.NullRawMessage{RawMessage: verdict, Valid: true},
		round.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert round %s/%s: %w", round.SessionID, round.RoundID, err)
	}
	return nil
}

// ListRounds returns the archived rounds for a session, most recent first.
func (r *Repository) ListRounds(ctx context.Context, sessionID string) ([]models.RoundRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, round_id, end_reason, transcript, verdict, completed_at
		FROM trial_rounds
		WHERE session_id = $1
		ORDER BY completed_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var rounds []models.RoundRecord
	for rows.Next() {
		var (
			round      models.RoundRecord
			reason     string
			transcript pqtype.NullRawMessage
			verdict    pqtype.NullRawMessage
		)
		if err := rows.Scan(&round.SessionID, &round.RoundID, &reason, &transcript, &verdict, &round.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan round row: %w", err)
		}
		round.EndReason = models.EndReason(reason)
		if transcript.Valid {
			if err := json.Unmarshal(transcript.RawMessage, &round.Transcript); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transcript: %w", err)
			}
		}
		if verdict.Valid {
			if err := json.Unmarshal(verdict.RawMessage, &round.Verdict); err != nil {
				return nil, fmt.Errorf("failed to unmarshal verdict: %w", err)
			}
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}
