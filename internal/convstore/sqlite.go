// ABOUTME: SQLite implementation of the conversation state store using modernc.org/sqlite
// ABOUTME: Write-ahead logged mutations, per-conversation locking, archive with retention.

package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversations, their message history, and the
// transaction log in SQLite. Mutations are serialized per conversation;
// different conversations proceed in parallel.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewSQLiteStore creates a conversation store at the given path. The
// schema is created if it doesn't exist; parent directories are created
// as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "convstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent readers alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("conversation store initialized", "path", path)
	return s, nil
}

// createSchema creates the tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			customer_id  TEXT NOT NULL,
			issue_type   TEXT NOT NULL,
			phase        TEXT NOT NULL,
			status       TEXT NOT NULL,
			scratch_json TEXT,
			checksum     TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (phase IN ('analysis', 'negotiation', 'resolution', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_customer
			ON conversations(customer_id);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			position        INTEGER NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,

			UNIQUE(conversation_id, position),
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON conversation_messages(conversation_id, position);

		CREATE TABLE IF NOT EXISTS transaction_log (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			prior_checksum  TEXT NOT NULL,
			new_checksum    TEXT NOT NULL,
			payload         TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, seq)
		);

		CREATE TABLE IF NOT EXISTS conversation_archive (
			conversation_id TEXT PRIMARY KEY,
			snapshot_json   TEXT NOT NULL,
			archived_at     TEXT NOT NULL,
			retain_until    TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// lockFor returns the mutex serializing access to one conversation.
func (s *SQLiteStore) lockFor(conversationID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if mu, ok := s.locks[conversationID]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.locks[conversationID] = mu
	return mu
}

// releaseLock drops the per-conversation mutex after archive evicts the
// live record.
func (s *SQLiteStore) releaseLock(conversationID string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.locks, conversationID)
}

// Create starts a new conversation for a customer case. The creation is
// itself the first write-ahead log entry, so the record can always be
// rebuilt from the log alone.
func (s *SQLiteStore) Create(ctx context.Context, customerID, issueType string) (*Conversation, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id required", ErrBadMutation)
	}

	mut := &Mutation{Create: &CreateInfo{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		IssueType:  issueType,
		CreatedAt:  time.Now().UTC(),
	}}

	conv := &Conversation{}
	if err := apply(conv, mut); err != nil {
		return nil, err
	}
	conv.Checksum = ComputeChecksum(conv)

	payload, err := json.Marshal(mut)
	if err != nil {
		return nil, fmt.Errorf("encoding mutation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertLogEntry(ctx, tx, &LogEntry{
		ConversationID: conv.ID,
		Seq:            1,
		PriorChecksum:  "",
		NewChecksum:    conv.Checksum,
		Payload:        payload,
		CreatedAt:      conv.CreatedAt,
	}); err != nil {
		return nil, err
	}

	if err := insertConversation(ctx, tx, conv); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing create: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"customer_id", customerID,
		"issue_type", issueType,
	)
	return conv, nil
}

// Append applies one mutation to a conversation: the log entry is written
// first, then the addressable record, in one transaction. Returns the new
// checksum. A read after Append observes the mutation.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, mut *Mutation) (string, error) {
	if mut == nil || mut.Create != nil {
		return "", ErrBadMutation
	}

	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	// Normalize before logging so replay is deterministic
	if m := mut.AddMessage; m != nil {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.ConversationID = conversationID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := loadConversation(ctx, tx, conversationID)
	if err != nil {
		return "", err
	}

	prior := conv.Checksum
	if err := apply(conv, mut); err != nil {
		return "", err
	}
	conv.Checksum = ComputeChecksum(conv)
	conv.UpdatedAt = time.Now().UTC()

	seq, err := nextSeq(ctx, tx, conversationID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(mut)
	if err != nil {
		return "", fmt.Errorf("encoding mutation: %w", err)
	}

	// Write-ahead: log entry first, then the record
	if err := insertLogEntry(ctx, tx, &LogEntry{
		ConversationID: conversationID,
		Seq:            seq,
		PriorChecksum:  prior,
		NewChecksum:    conv.Checksum,
		Payload:        payload,
		CreatedAt:      conv.UpdatedAt,
	}); err != nil {
		return "", err
	}

	if err := updateConversation(ctx, tx, conv); err != nil {
		return "", err
	}

	if m := mut.AddMessage; m != nil {
		if err := insertMessage(ctx, tx, m, len(conv.Messages)-1); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing append: %w", err)
	}

	return conv.Checksum, nil
}

// Read returns a conversation with its full message history. The stored
// checksum is recomputed from content; a mismatch triggers the recovery
// chain. Read never returns (nil, nil).
func (s *SQLiteStore) Read(ctx context.Context, conversationID string) (*Conversation, error) {
	conv, err := loadConversation(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}

	if ComputeChecksum(conv) == conv.Checksum {
		return conv, nil
	}

	s.logger.Warn("checksum mismatch detected, starting recovery",
		"conversation_id", conversationID,
	)

	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	return s.recover(ctx, conversationID)
}

// Archive copies the conversation and its history to the archive store
// with a 90-day retention marker, then evicts the live record, messages,
// and log.
func (s *SQLiteStore) Archive(ctx context.Context, conversationID string) error {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := loadConversation(ctx, s.db, conversationID)
	if err != nil {
		return err
	}
	if ComputeChecksum(conv) != conv.Checksum {
		if conv, err = s.recover(ctx, conversationID); err != nil {
			return err
		}
	}

	snapshot, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversation_archive
			(conversation_id, snapshot_json, archived_at, retain_until)
		VALUES (?, ?, ?, ?)`,
		conversationID, string(snapshot),
		now.Format(time.RFC3339Nano),
		now.Add(ArchiveRetention).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting archive snapshot: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM conversation_messages WHERE conversation_id = ?`,
		`DELETE FROM transaction_log WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
			return fmt.Errorf("evicting live record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}

	s.releaseLock(conversationID)
	s.logger.Info("conversation archived",
		"conversation_id", conversationID,
		"retain_until", now.Add(ArchiveRetention),
	)
	return nil
}

// ReadArchived returns the archived snapshot of a conversation along with
// its retention deadline.
func (s *SQLiteStore) ReadArchived(ctx context.Context, conversationID string) (*Conversation, time.Time, error) {
	var snapshot, retainRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_json, retain_until FROM conversation_archive
		WHERE conversation_id = ?`, conversationID).Scan(&snapshot, &retainRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading archive: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal([]byte(snapshot), &conv); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding snapshot: %w", err)
	}

	retainUntil, err := time.Parse(time.RFC3339Nano, retainRaw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing retention deadline: %w", err)
	}
	return &conv, retainUntil, nil
}

// ListActive returns live conversations ordered by most recent update.
func (s *SQLiteStore) ListActive(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := loadConversation(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier abstracts *sql.DB and *sql.Tx for shared loaders.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// loadConversation reads a conversation row and its ordered messages.
func loadConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	var (
		conv        Conversation
		scratchJSON sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, customer_id, issue_type, phase, status, scratch_json, checksum, created_at, updated_at
		FROM conversations WHERE id = ?`, id).Scan(
		&conv.ID, &conv.CustomerID, &conv.IssueType, &conv.Phase, &conv.Status,
		&scratchJSON, &conv.Checksum, &createdRaw, &updatedRaw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}

	if scratchJSON.Valid && scratchJSON.String != "" {
		if err := json.Unmarshal([]byte(scratchJSON.String), &conv.Scratch); err != nil {
			return nil, fmt.Errorf("decoding scratch state: %w", err)
		}
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)

	msgs, err := loadMessages(ctx, q, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

// loadMessages reads a conversation's history in position order.
func loadMessages(ctx context.Context, q querier, conversationID string) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, role, content, metadata_json, created_at
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m          Message
			metaJSON   sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &metaJSON, &createdRaw); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ConversationID = conversationID
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("decoding message metadata: %w", err)
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// nextSeq returns the next gapless sequence number for a conversation.
func nextSeq(ctx context.Context, q querier, conversationID string) (int64, error) {
	var last sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM transaction_log WHERE conversation_id = ?`,
		conversationID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", err)
	}
	return last.Int64 + 1, nil
}

func insertLogEntry(ctx context.Context, q querier, e *LogEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transaction_log (conversation_id, seq, prior_checksum, new_checksum, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.Seq, e.PriorChecksum, e.NewChecksum,
		string(e.Payload), e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("writing log entry: %w", err)
	}
	return nil
}

func insertConversation(ctx context.Context, q querier, c *Conversation) error {
	scratch, err := marshalScratch(c.Scratch)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_id, issue_type, phase, status, scratch_json, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CustomerID, c.IssueType, string(c.Phase), c.Status, scratch, c.Checksum,
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

func updateConversation(ctx context.Context, q querier, c *Conversation) error {
	scratch, err := marshalScratch(c.Scratch)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE conversations
		SET phase = ?, status = ?, scratch_json = ?, checksum = ?, updated_at = ?
		WHERE id = ?`,
		string(c.Phase), c.Status, scratch, c.Checksum,
		c.UpdatedAt.Format(time.RFC3339Nano), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, q querier, m *Message, position int) error {
	var metaJSON string
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encoding message metadata: %w", err)
		}
		metaJSON = string(data)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, conversation_id, position, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, position, m.Role, m.Content, metaJSON,
		m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func marshalScratch(scratch map[string]map[string]string) (string, error) {
	if len(scratch) == 0 {
		return "", nil
	}
	data, err := json.Marshal(scratch)
	if err != nil {
		return "", fmt.Errorf("encoding scratch state: %w", err)
	}
	return string(data), nil
}
