// ABOUTME: SQLite-backed durable queue using modernc.org/sqlite in WAL mode.
// ABOUTME: Outbox table with monotonic sequence, visibility delay, capacity ceiling.

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/casewire/casewire/internal/fault"
)

// SQLiteQueue persists queued messages in an outbox table. The rowid
// sequence fixes enqueue order; a not_before column delays retried
// messages without losing their place in the conversation's order.
type SQLiteQueue struct {
	db       *sql.DB
	logger   *slog.Logger
	capacity int

	// Serializes enqueue/dequeue so the capacity check and the
	// per-conversation selection stay race-free within this process.
	mu sync.Mutex
}

// NewSQLiteQueue opens (or creates) a durable queue at the given path
// with the given outstanding-message ceiling.
func NewSQLiteQueue(path string, capacity int) (*SQLiteQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS outbox (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			payload         TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			not_before      INTEGER NOT NULL,
			enqueued_at     TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('pending', 'in_flight', 'delivered', 'failed', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_outbox_status
			ON outbox(status, conversation_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}

	logger := slog.Default().With("component", "queue")
	logger.Info("durable queue opened", "path", path, "capacity", capacity)

	return &SQLiteQueue{db: db, logger: logger, capacity: capacity}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, conversationID string, payload []byte) (*QueuedMessage, error) {
	if conversationID == "" {
		return nil, fault.New(fault.Business, "", "conversation id required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	outstanding, err := q.outstandingLocked(ctx)
	if err != nil {
		return nil, err
	}
	if outstanding >= q.capacity {
		return nil, fault.Wrap(fault.Resource, conversationID, ErrQueueFull,
			fmt.Sprintf("%d messages outstanding, ceiling %d", outstanding, q.capacity))
	}

	now := time.Now().UTC()
	msg := &QueuedMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Payload:        payload,
		Status:         StatusPending,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO outbox (id, conversation_id, payload, attempts, status, not_before, enqueued_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(payload), StatusPending,
		now.UnixNano(), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("persisting queued message: %w", err)
	}

	q.logger.Debug("message enqueued",
		"message_id", msg.ID,
		"conversation_id", conversationID,
		"outstanding", outstanding+1,
	)
	return msg, nil
}

func (q *SQLiteQueue) DequeueNext(ctx context.Context) (*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()

	// Oldest pending message that is visible, is the head of its
	// conversation's pending run, and whose conversation has nothing
	// in flight.
	row := q.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, payload, attempts, enqueued_at
		FROM outbox o
		WHERE o.status = 'pending'
		  AND o.not_before <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox f
			WHERE f.conversation_id = o.conversation_id AND f.status = 'in_flight')
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.conversation_id = o.conversation_id AND p.status = 'pending' AND p.seq < o.seq)
		ORDER BY o.seq ASC
		LIMIT 1`, now.UnixNano())

	var (
		msg         QueuedMessage
		payload     string
		enqueuedRaw string
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &payload, &msg.Attempts, &enqueuedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next message: %w", err)
	}

	msg.Payload = []byte(payload)
	msg.Attempts++
	msg.Status = StatusInFlight
	msg.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedRaw)
	msg.UpdatedAt = now

	_, err = q.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'in_flight', attempts = ?, updated_at = ? WHERE id = ?`,
		msg.Attempts, now.Format(time.RFC3339Nano), msg.ID)
	if err != nil {
		return nil, fmt.Errorf("marking message in flight: %w", err)
	}
	return &msg, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusDelivered)
}

func (q *SQLiteQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', not_before = ?, updated_at = ? WHERE id = ?`,
		now.Add(delay).UnixNano(), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("scheduling retry: %w", err)
	}
	return requireRow(res, id)
}

func (q *SQLiteQueue) Fail(ctx context.Context, id string) error {
	q.logger.Warn("message marked failed", "message_id", id)
	return q.setStatus(ctx, id, StatusFailed)
}

func (q *SQLiteQueue) Reject(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusRejected)
}

func (q *SQLiteQueue) RecoverPending(ctx context.Context) ([]*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', updated_at = ? WHERE status = 'in_flight'`,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("resetting in-flight messages: %w", err)
	}
	if reset, err := res.RowsAffected(); err == nil && reset > 0 {
		q.logger.Info("reset in-flight messages to pending", "count", reset)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, conversation_id, payload, attempts, enqueued_at, updated_at
		FROM outbox WHERE status = 'pending' ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}
	defer rows.Close()

	var out []*QueuedMessage
	for rows.Next() {
		var (
			msg         QueuedMessage
			payload     string
			enqueuedRaw string
			updatedRaw  string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &payload, &msg.Attempts,
			&enqueuedRaw, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scanning pending message: %w", err)
		}
		msg.Payload = []byte(payload)
		msg.Status = StatusPending
		msg.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedRaw)
		msg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) Outstanding(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstandingLocked(ctx)
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) outstandingLocked(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE status IN ('pending', 'in_flight')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting outstanding messages: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) setStatus(ctx context.Context, id, status string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
