// ABOUTME: Case lifecycle outcome records for external analytics consumers.
// ABOUTME: SQLite-backed recorder plus a read API for the operator CLI.

// Package outcome records how each case ended: outcome class, duration,
// message and retry counts. Analytics and reporting live elsewhere; this
// package only produces the records they consume.
package outcome

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome classes.
const (
	ClassResolved  = "resolved"
	ClassEscalated = "escalated"
	ClassAbandoned = "abandoned"
	ClassExpired   = "expired"
)

// Record is one finished case.
type Record struct {
	CaseID      string        `json:"case_id"`
	Class       string        `json:"class"`
	Duration    time.Duration `json:"duration"`
	Messages    int           `json:"messages"`
	Retries     int           `json:"retries"`
	Escalations int           `json:"escalations"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Recorder persists outcome records.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecorder opens (or creates) the outcome table on the given
// database handle. The handle is shared with other stores and not
// closed by the recorder.
func NewRecorder(db *sql.DB) (*Recorder, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS case_outcomes (
			case_id     TEXT PRIMARY KEY,
			class       TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			messages    INTEGER NOT NULL,
			retries     INTEGER NOT NULL,
			escalations INTEGER NOT NULL,
			finished_at TEXT NOT NULL,

			CHECK (class IN ('resolved', 'escalated', 'abandoned', 'expired'))
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating outcome schema: %w", err)
	}

	return &Recorder{
		db:     db,
		logger: slog.Default().With("component", "outcomes"),
	}, nil
}

// Record persists one outcome, replacing any earlier record for the
// same case.
func (r *Recorder) Record(ctx context.Context, rec *Record) error {
	if rec.CaseID == "" {
		return fmt.Errorf("case id required")
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO case_outcomes
			(case_id, class, duration_ms, messages, retries, escalations, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CaseID, rec.Class, rec.Duration.Milliseconds(),
		rec.Messages, rec.Retries, rec.Escalations,
		rec.FinishedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}

	r.logger.Info("case outcome recorded",
		"case_id", rec.CaseID,
		"class", rec.Class,
		"duration", rec.Duration,
		"messages", rec.Messages,
	)
	return nil
}

// List returns the most recent outcomes, newest first.
func (r *Recorder) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT case_id, class, duration_ms, messages, retries, escalations, finished_at
		FROM case_outcomes ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			rec         Record
			durationMS  int64
			finishedRaw string
		)
		if err := rows.Scan(&rec.CaseID, &rec.Class, &durationMS,
			&rec.Messages, &rec.Retries, &rec.Escalations, &finishedRaw); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedRaw)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
