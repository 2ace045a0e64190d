// ABOUTME: Dispatcher drains the queue through a Deliverer with bounded retries.
// ABOUTME: An ApprovalGate hook runs before every delivery attempt.

package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Deliverer hands one queued message to the external counterparty.
// Implementations must be safe for concurrent use.
type Deliverer interface {
	Deliver(ctx context.Context, msg *QueuedMessage) error
}

// ApprovalGate decides whether a message may be sent. Whether approval
// is required per exchange or only at the final outcome is a policy
// question, so it stays pluggable. Returning false rejects the message.
type ApprovalGate func(ctx context.Context, msg *QueuedMessage) (bool, error)

// AllowAll approves every message. The default gate.
func AllowAll(context.Context, *QueuedMessage) (bool, error) {
	return true, nil
}

// DispatcherOptions tune the delivery loop. Zero values take defaults.
type DispatcherOptions struct {
	Gate         ApprovalGate
	MaxAttempts  int           // default 5
	RetryBase    time.Duration // default 100ms
	RetryCap     time.Duration // default 30s
	PollInterval time.Duration // default 250ms
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Gate == nil {
		o.Gate = AllowAll
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 100 * time.Millisecond
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	return o
}

// Dispatcher is the worker that drains a Queue through a Deliverer.
// Failed deliveries go back to pending with exponential backoff; a
// message that exhausts its attempts is marked failed, not dropped.
type Dispatcher struct {
	queue     Queue
	deliverer Deliverer
	opts      DispatcherOptions
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires a queue to a deliverer.
func NewDispatcher(q Queue, d Deliverer, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		deliverer: d,
		opts:      opts.withDefaults(),
		logger:    slog.Default().With("component", "dispatcher"),
	}
}

// Start recovers interrupted deliveries and launches the drain loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	recovered, err := d.queue.RecoverPending(ctx)
	if err != nil {
		return err
	}
	if len(recovered) > 0 {
		d.logger.Info("resuming interrupted deliveries", "count", len(recovered))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.loop(loopCtx)
	return nil
}

// Stop halts the drain loop and waits for the in-progress delivery.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything deliverable, then wait for the next tick.
		for d.deliverOne(ctx) {
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliverOne processes a single message. Returns false when the queue
// has nothing deliverable right now.
func (d *Dispatcher) deliverOne(ctx context.Context) bool {
	msg, err := d.queue.DequeueNext(ctx)
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			d.logger.Error("dequeue failed", "error", err)
		}
		return false
	}

	log := d.logger.With(
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"attempt", msg.Attempts,
	)

	approved, err := d.opts.Gate(ctx, msg)
	if err != nil {
		log.Error("approval gate errored, leaving message pending", "error", err)
		if rerr := d.queue.Retry(ctx, msg.ID, d.backoff(msg.Attempts)); rerr != nil {
			log.Error("returning message to pending failed", "error", rerr)
		}
		return true
	}
	if !approved {
		log.Info("message rejected by approval gate")
		if rerr := d.queue.Reject(ctx, msg.ID); rerr != nil {
			log.Error("marking message rejected failed", "error", rerr)
		}
		return true
	}

	if err := d.deliverer.Deliver(ctx, msg); err != nil {
		if msg.Attempts >= d.opts.MaxAttempts {
			log.Error("delivery attempts exhausted", "error", err)
			if ferr := d.queue.Fail(ctx, msg.ID); ferr != nil {
				log.Error("marking message failed failed", "error", ferr)
			}
			return true
		}
		delay := d.backoff(msg.Attempts)
		log.Warn("delivery failed, backing off", "error", err, "delay", delay)
		if rerr := d.queue.Retry(ctx, msg.ID, delay); rerr != nil {
			log.Error("scheduling retry failed", "error", rerr)
		}
		return true
	}

	if err := d.queue.Ack(ctx, msg.ID); err != nil {
		log.Error("acking delivered message failed", "error", err)
		return true
	}
	log.Debug("message delivered")
	return true
}

// backoff computes the delay before attempt n+1: base doubling per
// attempt, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(d.opts.RetryBase) * math.Pow(2, float64(attempt-1)))
	if delay > d.opts.RetryCap || delay <= 0 {
		delay = d.opts.RetryCap
	}
	return delay
}
