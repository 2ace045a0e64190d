// ABOUTME: Tests for the HTTP serving side: auth enforcement and error mapping.
// ABOUTME: Raw-client tests that bypass the manager to probe the wire contract.

package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casewire/casewire/internal/auth"
	"github.com/casewire/casewire/internal/fault"
)

func newRawServer(t *testing.T, handler Handler) (*httptest.Server, *auth.Authenticator) {
	t.Helper()
	authn := auth.New([]byte("test-secret"), time.Hour)
	srv := httptest.NewServer(NewServer(handler, authn, nil))
	t.Cleanup(srv.Close)
	return srv, authn
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServer_RejectsMissingToken(t *testing.T) {
	srv, _ := newRawServer(t, &testHandler{agentID: "negotiation-1"})

	resp := postJSON(t, srv.URL+"/rpc/call", "", Request{Operation: "status"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_RejectsBadToken(t *testing.T) {
	srv, _ := newRawServer(t, &testHandler{agentID: "negotiation-1"})

	resp := postJSON(t, srv.URL+"/rpc/call", "bogus-token", Request{Operation: "status"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_CardIsUnauthenticated(t *testing.T) {
	srv, _ := newRawServer(t, &testHandler{agentID: "negotiation-1"})

	resp, err := http.Get(srv.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var c struct {
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	assert.Equal(t, "negotiation-1", c.AgentID)
}

func TestServer_ResourceFaultMapsTo429(t *testing.T) {
	handler := &testHandler{
		agentID: "negotiation-1",
		callErr: fault.New(fault.Resource, "queue", "queue at capacity"),
	}
	srv, authn := newRawServer(t, handler)

	token, err := authn.Mint("coordinator-1", "coordinator")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/rpc/call", token, Request{Operation: "status"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "resource", body.Kind)
	assert.Contains(t, body.Error, "capacity")
}

func TestServer_MissingOperation(t *testing.T) {
	srv, authn := newRawServer(t, &testHandler{agentID: "negotiation-1"})

	token, err := authn.Mint("coordinator-1", "coordinator")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/rpc/call", token, Request{})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
