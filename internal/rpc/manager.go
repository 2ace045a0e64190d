// ABOUTME: Client manager composing card discovery, the connection pool, and retry.
// ABOUTME: Discover-once, reuse-many calls with exponential backoff and failover.

package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/card"
	"github.com/casewire/casewire/internal/fault"
)

// Request is one inter-agent call.
type Request struct {
	Operation      string          `json:"operation"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Response is the result of a unary call.
type Response struct {
	Payload json.RawMessage `json:"payload,omitempty"`

	// Attempts is how many attempts the call took, including the
	// successful one.
	Attempts int `json:"-"`
}

// Options tunes retry and timeout behavior. Zero values fall back to the
// documented defaults.
type Options struct {
	CallTimeout   time.Duration // per-attempt bound for unary calls (default 30s)
	MaxRetries    int           // attempts for retryable failures (default 3)
	BackoffBase   time.Duration // first retry delay (default 100ms)
	BackoffFactor float64       // delay multiplier per attempt (default 2.0)
	BackoffCap    time.Duration // upper bound on a single delay (default 5s)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.CallTimeout <= 0 {
		out.CallTimeout = 30 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 100 * time.Millisecond
	}
	if out.BackoffFactor < 1.0 {
		out.BackoffFactor = 2.0
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 5 * time.Second
	}
	return out
}

// Manager is the client-side entry point for inter-agent calls. It owns
// discovery (via the card resolver), connection reuse (via the pool), and
// the retry/failover policy.
type Manager struct {
	resolver *card.Resolver
	pool     *Pool
	minter   auth.Minter
	agentID  string
	role     string
	opts     Options
	logger   *slog.Logger

	mu         sync.RWMutex
	alternates map[string]string // primary endpoint -> failover endpoint
}

// NewManager creates a client manager. The minter signs every outbound
// request as (agentID, role).
func NewManager(resolver *card.Resolver, pool *Pool, minter auth.Minter, agentID, role string, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		resolver:   resolver,
		pool:       pool,
		minter:     minter,
		agentID:    agentID,
		role:       role,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "rpc"),
		alternates: make(map[string]string),
	}
}

// RegisterAlternate records a failover endpoint for a primary. When a call
// to the primary fails with a connection error, the manager retries the
// alternate before giving up.
func (m *Manager) RegisterAlternate(primary, alternate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alternates[primary] = alternate
}

// alternate returns the registered failover endpoint for primary, if any.
func (m *Manager) alternate(primary string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alt, ok := m.alternates[primary]
	return alt, ok
}

// Discover returns the agent card for an endpoint, fetching it at most
// once per cache TTL.
func (m *Manager) Discover(ctx context.Context, endpoint string) (*card.Card, error) {
	return m.resolver.Resolve(ctx, endpoint)
}

// RefreshCard forces a fresh card fetch for an endpoint.
func (m *Manager) RefreshCard(ctx context.Context, endpoint string) (*card.Card, error) {
	return m.resolver.Refresh(ctx, endpoint)
}

// resolveWithFailover discovers the endpoint's card, switching to the
// registered alternate when the primary is unreachable. Returns the card
// and the endpoint the call should actually target.
func (m *Manager) resolveWithFailover(ctx context.Context, endpoint string) (*card.Card, string, error) {
	c, err := m.Discover(ctx, endpoint)
	if err == nil {
		return c, endpoint, nil
	}

	alt, ok := m.alternate(endpoint)
	if !ok || classify(err) != errClassConnection {
		return nil, "", err
	}

	m.logger.Info("discovery failed, trying alternate endpoint",
		"primary", endpoint,
		"alternate", alt,
		"error", err,
	)
	c, altErr := m.Discover(ctx, alt)
	if altErr != nil {
		return nil, "", altErr
	}
	return c, alt, nil
}

// Call performs a unary request against an endpoint. Discovery runs first
// (cached); timeouts are retried with exponential backoff; connection
// failures fail over to a registered alternate. The returned response
// records how many attempts were spent.
func (m *Manager) Call(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	c, endpoint, err := m.resolveWithFailover(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if supported, _ := c.Supports(req.Operation); !supported {
		return nil, fault.New(fault.Business, endpoint,
			fmt.Sprintf("operation %q not offered by agent %s", req.Operation, c.AgentID))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var resp *Response
	attempts, err := m.withRetry(ctx, endpoint, func(ctx context.Context, ep string, attempt int) error {
		r, err := m.doCall(ctx, ep, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp.Attempts = attempts
	return resp, nil
}

// CallStream performs a streaming request. The returned channel yields
// typed events as frames arrive; it is closed after the terminal event.
// Consumers must drain the channel or cancel ctx.
func (m *Manager) CallStream(ctx context.Context, endpoint string, req *Request) (<-chan *Event, error) {
	c, endpoint, err := m.resolveWithFailover(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	supported, streaming := c.Supports(req.Operation)
	if !supported {
		return nil, fault.New(fault.Business, endpoint,
			fmt.Sprintf("operation %q not offered by agent %s", req.Operation, c.AgentID))
	}
	if !streaming {
		return nil, fault.New(fault.Business, endpoint,
			fmt.Sprintf("operation %q does not support streaming", req.Operation))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	// Retry covers stream establishment only; once frames flow, a broken
	// stream surfaces as a terminal error event.
	var httpResp *http.Response
	_, err = m.withRetry(ctx, endpoint, func(ctx context.Context, ep string, attempt int) error {
		r, err := m.openStream(ctx, ep, body)
		if err != nil {
			return err
		}
		httpResp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *Event, 16)
	go m.consumeStream(ctx, endpoint, httpResp, out)
	return out, nil
}

// withRetry runs fn with the manager's retry/failover policy. It returns
// the number of attempts spent. fn receives the endpoint to target, which
// may switch to the registered alternate after a connection failure.
func (m *Manager) withRetry(ctx context.Context, endpoint string, fn func(ctx context.Context, ep string, attempt int) error) (int, error) {
	ep := endpoint
	failedOver := false

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		err := fn(attemptCtx, ep, attempt)
		cancel()

		if err == nil {
			return attempt, nil
		}
		lastErr = err

		class := classify(err)
		m.logger.Warn("call attempt failed",
			"endpoint", ep,
			"attempt", attempt,
			"class", class,
			"error", err,
		)

		switch class {
		case errClassTimeout:
			// Abandoned, not necessarily failed on the remote side.
			// Retry after backoff; the caller must treat the operation
			// as idempotent.
			if attempt == m.opts.MaxRetries {
				break
			}
			select {
			case <-time.After(m.backoff(attempt)):
			case <-ctx.Done():
				return attempt, wrapComm(ep, ctx.Err(), attempt, "call cancelled during backoff")
			}
			continue

		case errClassConnection:
			m.pool.Invalidate(ep, ModeUnary)
			m.pool.Invalidate(ep, ModeStreaming)
			if alt, ok := m.alternate(endpoint); ok && !failedOver {
				m.logger.Info("failing over to alternate endpoint",
					"primary", endpoint,
					"alternate", alt,
				)
				ep = alt
				failedOver = true
				continue
			}
			return attempt, wrapComm(ep, err, attempt, "connection failed")

		default:
			// Unknown error classes fail immediately without retry.
			// Already-classified faults pass through untouched.
			if _, ok := fault.KindOf(err); ok {
				return attempt, err
			}
			return attempt, wrapComm(ep, err, attempt, "call failed")
		}
	}

	return m.opts.MaxRetries, wrapComm(ep, lastErr, m.opts.MaxRetries, "retries exhausted")
}

// backoff computes the delay before the next attempt: base * factor^(n-1),
// capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := time.Duration(float64(m.opts.BackoffBase) * math.Pow(m.opts.BackoffFactor, float64(attempt-1)))
	if d > m.opts.BackoffCap {
		d = m.opts.BackoffCap
	}
	return d
}

// doCall executes one unary attempt against an endpoint.
func (m *Manager) doCall(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	h := m.pool.Get(endpoint, ModeUnary)

	httpReq, err := m.newRequest(ctx, endpoint+"/rpc/call", body)
	if err != nil {
		return nil, err
	}

	httpResp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(endpoint, httpResp)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, wrapComm(endpoint, err, 0, "decoding response")
	}
	return &resp, nil
}

// openStream executes one stream-establishment attempt.
func (m *Manager) openStream(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	h := m.pool.Get(endpoint, ModeStreaming)

	// The attempt context only guards establishment; the stream itself is
	// bounded by the caller's context inside consumeStream.
	httpReq, err := m.newRequest(ctx, endpoint+"/rpc/stream", body)
	if err != nil {
		return nil, err
	}

	httpResp, err := h.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, decodeErrorResponse(endpoint, httpResp)
	}
	return httpResp, nil
}

// newRequest builds an authenticated JSON POST.
func (m *Manager) newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	token, err := m.minter.Mint(m.agentID, m.role)
	if err != nil {
		return nil, fmt.Errorf("minting token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}

// consumeStream decodes NDJSON frames into events until the terminal frame,
// EOF, or context cancellation.
func (m *Manager) consumeStream(ctx context.Context, endpoint string, httpResp *http.Response, out chan<- *Event) {
	defer close(out)
	defer httpResp.Body.Close()

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		event, err := decodeFrame(line)
		if err != nil {
			m.emit(ctx, out, &Event{Err: wrapComm(endpoint, err, 0, "protocol violation")})
			return
		}

		if !m.emit(ctx, out, event) {
			return
		}
		if event.Terminal() {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		m.emit(ctx, out, &Event{Err: wrapComm(endpoint, err, 0, "stream read failed")})
		return
	}
	if ctx.Err() != nil {
		m.emit(ctx, out, &Event{Err: wrapComm(endpoint, ctx.Err(), 0, "stream cancelled")})
	}
}

// emit sends an event unless the consumer has gone away. Returns false
// when the context is done.
func (m *Manager) emit(ctx context.Context, out chan<- *Event, e *Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeErrorResponse maps a non-200 response to a classified fault.
func decodeErrorResponse(endpoint string, httpResp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
	_ = json.Unmarshal(body, &payload)

	msg := payload.Error
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", httpResp.StatusCode)
	}

	switch payload.Kind {
	case "resource":
		return fault.New(fault.Resource, endpoint, msg)
	case "business":
		return fault.New(fault.Business, endpoint, msg)
	case "state":
		return fault.New(fault.State, endpoint, msg)
	default:
		return fault.New(fault.Communication, endpoint, msg)
	}
}

// wrapComm builds a communication fault with endpoint and attempt context.
func wrapComm(endpoint string, cause error, attempt int, msg string) error {
	e := fault.Wrap(fault.Communication, endpoint, cause, msg)
	if attempt > 0 {
		return e.WithAttempt(attempt)
	}
	return e
}
