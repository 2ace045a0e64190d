// ABOUTME: In-memory queue implementation for tests and ephemeral runs.
// ABOUTME: Same ordering, backpressure, and recovery semantics as the durable queue.

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/fault"
)

// MemoryQueue keeps messages in process memory. It honors the same
// contract as SQLiteQueue but loses everything on restart, so it is only
// suitable for tests and the memory backend configuration.
type MemoryQueue struct {
	capacity int

	mu   sync.Mutex
	msgs []*memoryEntry
}

type memoryEntry struct {
	msg       QueuedMessage
	notBefore time.Time
}

// NewMemoryQueue creates an in-memory queue with the given ceiling.
func NewMemoryQueue(capacity int) (*MemoryQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &MemoryQueue{capacity: capacity}, nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, conversationID string, payload []byte) (*QueuedMessage, error) {
	if conversationID == "" {
		return nil, fault.New(fault.Business, "", "conversation id required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	outstanding := q.outstandingLocked()
	if outstanding >= q.capacity {
		return nil, fault.Wrap(fault.Resource, conversationID, ErrQueueFull,
			fmt.Sprintf("%d messages outstanding, ceiling %d", outstanding, q.capacity))
	}

	now := time.Now().UTC()
	entry := &memoryEntry{msg: QueuedMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Payload:        append([]byte(nil), payload...),
		Status:         StatusPending,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}}
	q.msgs = append(q.msgs, entry)

	out := entry.msg
	return &out, nil
}

func (q *MemoryQueue) DequeueNext(ctx context.Context) (*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	blocked := make(map[string]bool)
	for _, e := range q.msgs {
		if e.msg.Status == StatusInFlight {
			blocked[e.msg.ConversationID] = true
		}
	}

	// Enqueue order; the first pending message per conversation is that
	// conversation's head, later ones wait behind it.
	seen := make(map[string]bool)
	for _, e := range q.msgs {
		if e.msg.Status != StatusPending {
			continue
		}
		head := !seen[e.msg.ConversationID]
		seen[e.msg.ConversationID] = true
		if !head || blocked[e.msg.ConversationID] {
			continue
		}
		if e.notBefore.After(now) {
			continue
		}

		e.msg.Status = StatusInFlight
		e.msg.Attempts++
		e.msg.UpdatedAt = now.UTC()
		out := e.msg
		return &out, nil
	}
	return nil, ErrEmpty
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	return q.setStatus(id, StatusDelivered, 0)
}

func (q *MemoryQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	return q.setStatus(id, StatusPending, delay)
}

func (q *MemoryQueue) Fail(ctx context.Context, id string) error {
	return q.setStatus(id, StatusFailed, 0)
}

func (q *MemoryQueue) Reject(ctx context.Context, id string) error {
	return q.setStatus(id, StatusRejected, 0)
}

func (q *MemoryQueue) RecoverPending(ctx context.Context) ([]*QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*QueuedMessage
	for _, e := range q.msgs {
		if e.msg.Status == StatusInFlight {
			e.msg.Status = StatusPending
		}
		if e.msg.Status == StatusPending {
			msg := e.msg
			out = append(out, &msg)
		}
	}
	return out, nil
}

func (q *MemoryQueue) Outstanding(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstandingLocked(), nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

func (q *MemoryQueue) outstandingLocked() int {
	n := 0
	for _, e := range q.msgs {
		if e.msg.Status == StatusPending || e.msg.Status == StatusInFlight {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) setStatus(id, status string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.msgs {
		if e.msg.ID != id {
			continue
		}
		e.msg.Status = status
		e.msg.UpdatedAt = time.Now().UTC()
		if delay > 0 {
			e.notBefore = time.Now().Add(delay)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
