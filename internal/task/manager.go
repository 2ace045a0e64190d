// ABOUTME: Multi-tenant task manager: priority scheduling and idle expiry.
// ABOUTME: container/heap ready queue, FIFO within a priority band, sweeper.

package task

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casewire/casewire/internal/fault"
)

// Releaser is invoked (outside the manager lock) when a task expires,
// so owners can release per-case resources such as open connections and
// scratch state. The durable conversation remains recoverable.
type Releaser func(t Task)

// Options tune the lifecycle windows. Zero values take defaults.
type Options struct {
	IdleAfter   time.Duration // running -> idle, default 5m
	ExpireAfter time.Duration // idle -> expired, default 30m
	SweepEvery  time.Duration // sweeper ticker, default 30s
}

func (o Options) withDefaults() Options {
	if o.IdleAfter <= 0 {
		o.IdleAfter = 5 * time.Minute
	}
	if o.ExpireAfter <= 0 {
		o.ExpireAfter = 30 * time.Minute
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 30 * time.Second
	}
	return o
}

// Manager tracks one task per active customer case and schedules them
// by priority, FIFO within a band. All methods are safe for concurrent
// use; every Task leaving the manager is a copy.
type Manager struct {
	opts     Options
	releaser Releaser
	logger   *slog.Logger

	mu         sync.Mutex
	tasks      map[string]*Task  // by task id
	byCustomer map[string]string // customer id -> active task id
	ready      readyHeap
	seq        uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a manager and starts its background sweeper.
// releaser may be nil.
func NewManager(opts Options, releaser Releaser) *Manager {
	m := &Manager{
		opts:       opts.withDefaults(),
		releaser:   releaser,
		logger:     slog.Default().With("component", "tasks"),
		tasks:      make(map[string]*Task),
		byCustomer: make(map[string]string),
		stop:       make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweep()
	return m
}

// CreateTask registers a new queued task for a customer case. A customer
// with an active task gets a conflict error carrying the existing id.
func (m *Manager) CreateTask(customerID, conversationID string, priority int) (Task, error) {
	if customerID == "" {
		return Task{}, fault.New(fault.Business, "", "customer id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byCustomer[customerID]; ok {
		return Task{}, fault.Wrap(fault.Business, existingID, ErrTaskExists,
			"customer "+customerID)
	}

	now := time.Now().UTC()
	m.seq++
	t := &Task{
		ID:             uuid.New().String(),
		CustomerID:     customerID,
		ConversationID: conversationID,
		Priority:       priority,
		State:          StateQueued,
		Sequence:       m.seq,
		CreatedAt:      now,
		LastActivity:   now,
	}

	m.tasks[t.ID] = t
	m.byCustomer[customerID] = t.ID
	heap.Push(&m.ready, t)

	m.logger.Debug("task created",
		"task_id", t.ID,
		"customer_id", customerID,
		"priority", priority,
	)
	return *t, nil
}

// GetTask returns a snapshot of the task.
func (m *Manager) GetTask(id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// Schedule pops the next runnable task: highest priority first, earliest
// sequence within a band. The task transitions to running.
func (m *Manager) Schedule() (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.ready.Len() > 0 {
		t := heap.Pop(&m.ready).(*Task)
		// Entries whose state moved on since enqueue are stale
		if t.State != StateQueued {
			continue
		}
		t.State = StateRunning
		t.LastActivity = time.Now().UTC()
		return *t, nil
	}
	return Task{}, ErrNoRunnableTask
}

// Touch records activity, reviving an idle task to running.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !t.active() {
		return ErrTaskFinished
	}

	t.LastActivity = time.Now().UTC()
	if t.State == StateIdle {
		t.State = StateRunning
		t.IdleSince = time.Time{}
	}
	return nil
}

// Complete marks a task finished and frees the customer's slot.
func (m *Manager) Complete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !t.active() {
		return ErrTaskFinished
	}

	t.State = StateCompleted
	t.LastActivity = time.Now().UTC()
	delete(m.byCustomer, t.CustomerID)

	m.logger.Debug("task completed", "task_id", id, "customer_id", t.CustomerID)
	return nil
}

// ExpireIdle transitions running tasks past the idle window to idle and
// idle tasks past the expiry window to expired, releasing their
// resources. Returns the tasks expired by this pass.
func (m *Manager) ExpireIdle() []Task {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []Task
	for _, t := range m.tasks {
		switch t.State {
		case StateRunning:
			if now.Sub(t.LastActivity) >= m.opts.IdleAfter {
				t.State = StateIdle
				t.IdleSince = now
				m.logger.Info("task idled",
					"task_id", t.ID,
					"idle_for", now.Sub(t.LastActivity),
				)
			}
		case StateIdle:
			if now.Sub(t.IdleSince) >= m.opts.ExpireAfter {
				t.State = StateExpired
				delete(m.byCustomer, t.CustomerID)
				expired = append(expired, *t)
				m.logger.Warn("task expired",
					"task_id", t.ID,
					"customer_id", t.CustomerID,
				)
			}
		}
	}
	m.mu.Unlock()

	if m.releaser != nil {
		for _, t := range expired {
			m.releaser(t)
		}
	}
	return expired
}

// List returns snapshots of all known tasks, most recent first.
func (m *Manager) List() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// Close stops the sweeper. Pending tasks are abandoned; their durable
// conversations remain recoverable.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.ExpireIdle()
		}
	}
}

// readyHeap orders queued tasks by priority (higher first), then by
// sequence (earlier first) for FIFO fairness within a band.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
