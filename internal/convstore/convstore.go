// ABOUTME: Types and contracts for durable per-case conversation state.
// ABOUTME: Conversations, append-only messages, mutations, and checksumming.

package convstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// Store errors
var (
	ErrNotFound     = errors.New("conversation not found")
	ErrArchived     = errors.New("conversation archived")
	ErrBadMutation  = errors.New("invalid mutation")
	ErrLogCorrupted = errors.New("transaction log corrupted")
)

// ArchiveRetention is how long archived conversations are kept.
const ArchiveRetention = 90 * 24 * time.Hour

// Phase is the lifecycle stage of a case.
type Phase string

const (
	PhaseAnalysis    Phase = "analysis"
	PhaseNegotiation Phase = "negotiation"
	PhaseResolution  Phase = "resolution"
	PhaseClosed      Phase = "closed"
)

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseAnalysis, PhaseNegotiation, PhaseResolution, PhaseClosed:
		return true
	}
	return false
}

// Conversation status values. StatusRecovered marks a record that survived
// the full recovery chain with data loss rather than being dropped.
const (
	StatusActive    = "active"
	StatusRecovered = "recovered-with-errors"
)

// Message is one immutable entry in a conversation's history. Messages are
// appended, never edited or deleted.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           string            `json:"role"` // user, assistant, system
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Conversation is the unit of case state. Mutated only through Append,
// which serializes access per conversation.
type Conversation struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	IssueType  string `json:"issue_type"`
	Phase      Phase  `json:"phase"`
	Status     string `json:"status"`

	Messages []*Message `json:"messages"`

	// Scratch is free-form per-agent working state, keyed by agent id
	// then by field name.
	Scratch map[string]map[string]string `json:"scratch,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Checksum  string    `json:"checksum"`
}

// CreateInfo is the payload of a conversation's first log entry, carrying
// enough identity to rebuild the record from the log alone.
type CreateInfo struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	IssueType  string    `json:"issue_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScratchUpdate sets one scratch field for one agent.
type ScratchUpdate struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// Mutation describes a single state change. Exactly one field is set.
// Mutations are normalized (ids and timestamps filled in) before being
// logged, so replaying the logged payload is deterministic.
type Mutation struct {
	Create     *CreateInfo    `json:"create,omitempty"`
	AddMessage *Message       `json:"add_message,omitempty"`
	SetPhase   *Phase         `json:"set_phase,omitempty"`
	SetStatus  *string        `json:"set_status,omitempty"`
	SetScratch *ScratchUpdate `json:"set_scratch,omitempty"`
}

// LogEntry is one record of the per-conversation write-ahead log.
// Sequence numbers are strictly increasing and gapless per conversation.
type LogEntry struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	PriorChecksum  string    `json:"prior_checksum"`
	NewChecksum    string    `json:"new_checksum"`
	Payload        []byte    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

// checksumContent is the canonical content a conversation checksum covers.
// Timestamps are excluded so replayed state checksums identically.
type checksumContent struct {
	ID         string                       `json:"id"`
	CustomerID string                       `json:"customer_id"`
	IssueType  string                       `json:"issue_type"`
	Phase      Phase                        `json:"phase"`
	Status     string                       `json:"status"`
	Messages   []checksumMessage            `json:"messages"`
	Scratch    map[string]map[string]string `json:"scratch,omitempty"`
}

type checksumMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ComputeChecksum derives the integrity checksum for a conversation from
// its content. encoding/json sorts map keys, so the encoding is canonical.
func ComputeChecksum(c *Conversation) string {
	content := checksumContent{
		ID:         c.ID,
		CustomerID: c.CustomerID,
		IssueType:  c.IssueType,
		Phase:      c.Phase,
		Status:     c.Status,
		Messages:   make([]checksumMessage, len(c.Messages)),
		Scratch:    c.Scratch,
	}
	for i, m := range c.Messages {
		content.Messages[i] = checksumMessage{ID: m.ID, Role: m.Role, Content: m.Content}
	}

	data, _ := json.Marshal(content)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// apply mutates a conversation in place with a normalized mutation.
// It must stay deterministic: replaying the same payloads in order yields
// the same state and checksum.
func apply(c *Conversation, mut *Mutation) error {
	switch {
	case mut.Create != nil:
		c.ID = mut.Create.ID
		c.CustomerID = mut.Create.CustomerID
		c.IssueType = mut.Create.IssueType
		c.Phase = PhaseAnalysis
		c.Status = StatusActive
		c.CreatedAt = mut.Create.CreatedAt
		c.UpdatedAt = mut.Create.CreatedAt

	case mut.AddMessage != nil:
		m := mut.AddMessage
		if m.ID == "" || m.Role == "" {
			return ErrBadMutation
		}
		c.Messages = append(c.Messages, m)
		c.UpdatedAt = m.CreatedAt

	case mut.SetPhase != nil:
		if !mut.SetPhase.Valid() {
			return ErrBadMutation
		}
		c.Phase = *mut.SetPhase

	case mut.SetStatus != nil:
		if *mut.SetStatus == "" {
			return ErrBadMutation
		}
		c.Status = *mut.SetStatus

	case mut.SetScratch != nil:
		u := mut.SetScratch
		if u.AgentID == "" || u.Key == "" {
			return ErrBadMutation
		}
		if c.Scratch == nil {
			c.Scratch = make(map[string]map[string]string)
		}
		if c.Scratch[u.AgentID] == nil {
			c.Scratch[u.AgentID] = make(map[string]string)
		}
		c.Scratch[u.AgentID][u.Key] = u.Value

	default:
		return ErrBadMutation
	}

	return nil
}
