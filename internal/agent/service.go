// ABOUTME: Service orchestrator: constructs and runs every component of one agent.
// ABOUTME: Graceful shutdown stops the server, dispatcher, sweeper, and stores.

package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/card"
	"github.com/casewire/casewire/internal/config"
	"github.com/casewire/casewire/internal/convstore"
	"github.com/casewire/casewire/internal/outcome"
	"github.com/casewire/casewire/internal/queue"
	"github.com/casewire/casewire/internal/rpc"
	"github.com/casewire/casewire/internal/task"
)

// Service is one running casewire agent: its durable stores, outbound
// queue and dispatcher, task manager, client manager, and RPC server.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *convstore.SQLiteStore
	outcomeDB  *sql.DB
	outcomes   *outcome.Recorder
	queue      queue.Queue
	deliverer  queue.Deliverer
	dispatcher *queue.Dispatcher
	tasks      *task.Manager
	cache      *card.Cache
	pool       *rpc.Pool
	clients    *rpc.Manager
	httpServer *http.Server
}

// New builds a service from configuration. Nothing is listening or
// running until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger.With("agent_id", cfg.Agent.ID)}

	store, err := convstore.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}
	s.store = store

	// Outcomes share the conversation database file.
	outcomeDB, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("opening outcome database: %w", err)
	}
	s.outcomeDB = outcomeDB
	if s.outcomes, err = outcome.NewRecorder(outcomeDB); err != nil {
		s.close()
		return nil, err
	}

	if s.queue, err = newQueue(cfg); err != nil {
		s.close()
		return nil, err
	}
	if s.deliverer, err = newDeliverer(cfg); err != nil {
		s.close()
		return nil, err
	}
	s.dispatcher = queue.NewDispatcher(s.queue, s.deliverer, queue.DispatcherOptions{
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryBase:   cfg.Queue.RetryBase,
		RetryCap:    cfg.Queue.RetryCap,
	})

	s.tasks = task.NewManager(task.Options{
		IdleAfter:   cfg.Tasks.IdleAfter,
		ExpireAfter: cfg.Tasks.ExpireAfter,
		SweepEvery:  cfg.Tasks.SweepEvery,
	}, s.releaseTask)

	authn := auth.New([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)
	s.cache = card.NewCache(cfg.Client.CardTTL, 64)
	resolver := card.NewResolver(s.cache, nil, s.logger)
	s.pool = rpc.NewPool(cfg.Client.CallTimeout, cfg.Client.PoolSize)

	s.clients = rpc.NewManager(resolver, s.pool, authn, cfg.Agent.ID, cfg.Agent.Role, rpc.Options{
		CallTimeout:   cfg.Client.CallTimeout,
		MaxRetries:    cfg.Client.MaxRetries,
		BackoffBase:   cfg.Client.BackoffBase,
		BackoffFactor: cfg.Client.BackoffFactor,
		BackoffCap:    cfg.Client.BackoffCap,
	}, s.logger)
	for primary, alternate := range cfg.Agent.Alternates {
		s.clients.RegisterAlternate(primary, alternate)
	}

	handler := newHandler(s)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           rpc.NewServer(handler, authn, s.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Run starts the dispatcher and the RPC server, then blocks until the
// context is canceled and everything is shut down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening",
			"addr", s.cfg.Server.Addr,
			"role", s.cfg.Agent.Role,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown", "error", err)
	}

	s.close()
	return nil
}

// releaseTask is invoked by the task manager when a case expires for
// inactivity. The durable conversation survives; its outcome is recorded
// so analytics sees the abandonment.
func (s *Service) releaseTask(t task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &outcome.Record{
		CaseID:   t.ConversationID,
		Class:    outcome.ClassExpired,
		Duration: time.Since(t.CreatedAt),
	}
	if conv, err := s.store.Read(ctx, t.ConversationID); err == nil {
		rec.Messages = len(conv.Messages)
	}
	if err := s.outcomes.Record(ctx, rec); err != nil {
		s.logger.Error("recording expired case outcome",
			"task_id", t.ID,
			"error", err,
		)
	}
}

func (s *Service) close() {
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.tasks != nil {
		s.tasks.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if c, ok := s.deliverer.(io.Closer); ok {
		c.Close()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.outcomeDB != nil {
		s.outcomeDB.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

func newQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(cfg.Queue.Capacity)
	default:
		// The outbox shares the conversation database file.
		return queue.NewSQLiteQueue(cfg.Database.Path, cfg.Queue.Capacity)
	}
}

func newDeliverer(cfg *config.Config) (queue.Deliverer, error) {
	if cfg.Queue.AMQPURL == "" {
		return queue.NewLoopbackDeliverer(64), nil
	}
	return queue.NewAMQPDeliverer(cfg.Queue.AMQPURL, cfg.Queue.AMQPExchange)
}
