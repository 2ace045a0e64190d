// ABOUTME: Queue interface, queued message type, status values, sentinel errors.
// ABOUTME: Implementations are selected by configuration (sqlite or memory).

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Queued message status values.
const (
	StatusPending   = "pending"
	StatusInFlight  = "in_flight"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

var (
	// ErrQueueFull signals the outstanding-message ceiling was reached.
	// Implementations wrap it in a resource fault so callers can apply
	// backpressure instead of retrying blindly.
	ErrQueueFull = errors.New("queue at capacity")

	// ErrEmpty signals no message is currently deliverable.
	ErrEmpty = errors.New("no deliverable message")

	// ErrNotFound signals an unknown message id.
	ErrNotFound = errors.New("queued message not found")
)

// QueuedMessage is one message awaiting delivery to the external
// counterparty. Attempts counts dequeues, so it survives restarts.
type QueuedMessage struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	Status         string          `json:"status"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Queue is the delivery channel contract. Within one conversation,
// delivery order equals enqueue order; ordering across conversations is
// unspecified. All methods are safe for concurrent use.
type Queue interface {
	// Enqueue persists the message and only then returns it. At the
	// outstanding ceiling it fails with a fault wrapping ErrQueueFull.
	Enqueue(ctx context.Context, conversationID string, payload []byte) (*QueuedMessage, error)

	// DequeueNext returns the oldest deliverable pending message and
	// marks it in_flight, incrementing its attempt count. A conversation
	// with an in-flight message yields no further messages until that
	// one is acked, failed, or retried. Returns ErrEmpty when nothing is
	// deliverable.
	DequeueNext(ctx context.Context) (*QueuedMessage, error)

	// Ack marks an in-flight message delivered.
	Ack(ctx context.Context, id string) error

	// Retry returns an in-flight message to pending, delaying its next
	// dequeue by at least the given backoff.
	Retry(ctx context.Context, id string, delay time.Duration) error

	// Fail marks a message failed after retries are exhausted. Failed
	// messages stay addressable for operators rather than being dropped.
	Fail(ctx context.Context, id string) error

	// Reject marks a message rejected by the approval gate.
	Reject(ctx context.Context, id string) error

	// RecoverPending resets in-flight messages to pending and returns
	// every pending message in original enqueue order. Called on process
	// start so delivery resumes with at-least-once semantics.
	RecoverPending(ctx context.Context) ([]*QueuedMessage, error)

	// Outstanding reports the pending plus in-flight message count.
	Outstanding(ctx context.Context) (int, error)

	Close() error
}
