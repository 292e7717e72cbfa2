// Package archive persists completed trial rounds to Postgres. It is
// an optional collaborator: live session state stays in the shared
// store, and a failed archive write never blocks a round.
package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS trial_rounds (
    id           BIGSERIAL PRIMARY KEY,
    session_id   TEXT        NOT NULL,
    round_id     TEXT        NOT NULL,
    end_reason   TEXT        NOT NULL,
    speakers     TEXT[]      NOT NULL,
    transcript   JSONB       NOT NULL,
    verdict      JSONB       NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (session_id, round_id)
);
CREATE INDEX IF NOT EXISTS trial_rounds_session_idx ON trial_rounds (session_id, completed_at DESC);
`

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}
	log.Info().Msg("archive database ready")
	return db, nil
}
