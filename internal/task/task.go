// ABOUTME: Task types and sentinel errors for the multi-tenant manager.
// ABOUTME: One task per active customer case, snapshot-by-value accessors.

package task

import (
	"errors"
	"time"
)

// State is a task's lifecycle stage.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateIdle      State = "idle"
	StateExpired   State = "expired"
	StateCompleted State = "completed"
)

var (
	// ErrTaskExists signals the customer already has an active task.
	ErrTaskExists = errors.New("customer already has an active task")

	// ErrTaskNotFound signals an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoRunnableTask signals Schedule found nothing queued.
	ErrNoRunnableTask = errors.New("no runnable task")

	// ErrTaskFinished signals an operation on a completed or expired task.
	ErrTaskFinished = errors.New("task already finished")
)

// Task is the unit of multi-tenant isolation: one per active customer
// case. The manager hands out copies, so no caller can reach another
// caller's task through shared fields.
type Task struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	ConversationID string `json:"conversation_id"`
	Priority       int    `json:"priority"`
	State          State  `json:"state"`

	// Sequence fixes FIFO order within a priority band.
	Sequence uint64 `json:"sequence"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IdleSince    time.Time `json:"idle_since,omitzero"`
}

// active reports whether the task still occupies its customer's slot.
func (t *Task) active() bool {
	switch t.State {
	case StateCompleted, StateExpired:
		return false
	}
	return true
}
