// ABOUTME: Connection pool owning one reusable client handle per endpoint+mode.
// ABOUTME: Concurrent callers multiplex over the same handle; dial happens once.

package rpc

import (
	"net/http"
	"sync"
	"time"
)

// Mode selects between unary and streaming handles for an endpoint.
type Mode int

const (
	// ModeUnary handles carry an overall request timeout.
	ModeUnary Mode = iota
	// ModeStreaming handles have no overall timeout; streams are bounded
	// by the caller's context instead.
	ModeStreaming
)

// handleKey identifies a pooled handle.
type handleKey struct {
	endpoint string
	mode     Mode
}

// Handle is a live, reusable client session to one endpoint in one mode.
// Handles are shared by all workers in the process and are safe for
// concurrent use.
type Handle struct {
	Endpoint  string
	Mode      Mode
	Client    *http.Client
	CreatedAt time.Time
}

// Pool owns the client handles. At most one live handle exists per
// (endpoint, mode) pair; Get returns the existing handle or creates one
// exactly once under the pool lock.
type Pool struct {
	mu          sync.Mutex
	handles     map[handleKey]*Handle
	callTimeout time.Duration
	maxIdle     int
	closed      bool
}

// NewPool creates a pool. callTimeout bounds unary requests end to end;
// maxIdle caps idle connections kept per handle transport.
func NewPool(callTimeout time.Duration, maxIdle int) *Pool {
	if maxIdle <= 0 {
		maxIdle = 64
	}
	return &Pool{
		handles:     make(map[handleKey]*Handle),
		callTimeout: callTimeout,
		maxIdle:     maxIdle,
	}
}

// Get returns the shared handle for (endpoint, mode), creating it on first
// use. All concurrent callers for the same key observe the same handle.
func (p *Pool) Get(endpoint string, mode Mode) *Handle {
	key := handleKey{endpoint: endpoint, mode: mode}

	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[key]; ok {
		return h
	}

	h := p.newHandle(endpoint, mode)
	if !p.closed {
		p.handles[key] = h
	}
	return h
}

// newHandle builds a handle for the key. Must be called with mu held.
func (p *Pool) newHandle(endpoint string, mode Mode) *Handle {
	transport := &http.Transport{
		MaxIdleConns:        p.maxIdle,
		MaxIdleConnsPerHost: p.maxIdle,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{Transport: transport}
	if mode == ModeUnary {
		client.Timeout = p.callTimeout
	}

	return &Handle{
		Endpoint:  endpoint,
		Mode:      mode,
		Client:    client,
		CreatedAt: time.Now(),
	}
}

// Invalidate drops the handle for (endpoint, mode) after a detected
// failure, closing its idle connections. The next Get dials fresh.
func (p *Pool) Invalidate(endpoint string, mode Mode) {
	key := handleKey{endpoint: endpoint, mode: mode}

	p.mu.Lock()
	h, ok := p.handles[key]
	if ok {
		delete(p.handles, key)
	}
	p.mu.Unlock()

	if ok {
		h.Client.CloseIdleConnections()
	}
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close tears down every handle. The pool creates no new shared handles
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[handleKey]*Handle)
	p.closed = true
	p.mu.Unlock()

	for _, h := range handles {
		h.Client.CloseIdleConnections()
	}
}
