// ABOUTME: HTTP serving side of the inter-agent protocol.
// ABOUTME: Card endpoint, unary calls, and NDJSON streaming behind JWT auth.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/card"
	"github.com/casewire/casewire/internal/fault"
)

// Handler is what an agent process plugs into the server: its capability
// card and the operations behind it.
type Handler interface {
	// Card returns this agent's capability descriptor.
	Card() *card.Card

	// HandleCall serves a unary operation.
	HandleCall(ctx context.Context, caller auth.Identity, req *Request) (*Response, error)

	// HandleStream serves a streaming operation by pushing events through
	// send. Returning nil after a terminal event ends the stream cleanly.
	HandleStream(ctx context.Context, caller auth.Identity, req *Request, send func(*Event) error) error
}

// Server exposes one agent's operations over HTTP.
type Server struct {
	handler  Handler
	verifier auth.Verifier
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer wires the well-known card path and the call/stream endpoints.
func NewServer(handler Handler, verifier auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		handler:  handler,
		verifier: verifier,
		logger:   logger.With("component", "rpc-server"),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET "+card.WellKnownPath, s.handleCard)
	s.mux.HandleFunc("POST /rpc/call", s.requireAuth(s.handleCall))
	s.mux.HandleFunc("POST /rpc/stream", s.requireAuth(s.handleStream))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleCard serves the agent card. Discovery is unauthenticated, matching
// the well-known document convention.
func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.handler.Card()); err != nil {
		s.logger.Error("encoding agent card", "error", err)
	}
}

// requireAuth verifies the bearer token and passes the caller identity on.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "communication", "missing bearer token")
			return
		}

		id, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.Warn("rejected unauthenticated call", "error", err, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "communication", "invalid bearer token")
			return
		}

		next(w, r, id)
	}
}

// handleCall serves POST /rpc/call.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.handler.HandleCall(r.Context(), caller, req)
	if err != nil {
		s.writeFault(w, req, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding call response", "operation", req.Operation, "error", err)
	}
}

// handleStream serves POST /rpc/stream as newline-delimited JSON frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, caller auth.Identity) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	send := func(e *Event) error {
		if err := enc.Encode(encodeFrame(e)); err != nil {
			return fmt.Errorf("writing stream frame: %w", err)
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	if err := s.handler.HandleStream(r.Context(), caller, req, send); err != nil {
		// Headers are already out; the best we can do is log and drop the
		// connection so the client sees a broken stream.
		s.logger.Error("stream handler failed",
			"operation", req.Operation,
			"conversation_id", req.ConversationID,
			"caller", caller.AgentID,
			"error", err,
		)
	}
}

// decodeRequest parses the JSON request body, writing an error response on
// failure.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "communication", "malformed request body")
		return nil, false
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "business", "operation is required")
		return nil, false
	}
	return &req, true
}

// writeFault maps a handler error to a status code and JSON error body.
func (s *Server) writeFault(w http.ResponseWriter, req *Request, err error) {
	kind, _ := fault.KindOf(err)

	status := http.StatusInternalServerError
	kindName := "communication"
	switch kind {
	case fault.Resource:
		status = http.StatusTooManyRequests
		kindName = "resource"
	case fault.Business:
		status = http.StatusUnprocessableEntity
		kindName = "business"
	case fault.State:
		status = http.StatusInternalServerError
		kindName = "state"
	}

	s.logger.Warn("call failed",
		"operation", req.Operation,
		"conversation_id", req.ConversationID,
		"kind", kindName,
		"error", err,
	)
	writeError(w, status, kindName, err.Error())
}

// writeError emits the protocol's JSON error body.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"kind":  kind,
	})
}
