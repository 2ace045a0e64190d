// ABOUTME: Tests for stream event frame encoding and decoding.
// ABOUTME: Covers each variant, terminal detection, and unknown-kind rejection.

package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Message(t *testing.T) {
	e, err := decodeFrame([]byte(`{"kind":"message","text":"offer sent"}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessage, e.Kind)
	assert.Equal(t, "offer sent", e.Text)
	assert.False(t, e.Terminal())
}

func TestDecodeFrame_Progress(t *testing.T) {
	e, err := decodeFrame([]byte(`{"kind":"progress","task_id":"t-1","state":"running","detail":"round 2"}`))
	require.NoError(t, err)
	assert.Equal(t, EventProgress, e.Kind)
	assert.Equal(t, "t-1", e.TaskID)
	assert.Equal(t, "running", e.State)
	assert.Equal(t, "round 2", e.Detail)
	assert.False(t, e.Terminal())
}

func TestDecodeFrame_Result(t *testing.T) {
	e, err := decodeFrame([]byte(`{"kind":"result","text":"refund approved","outcome":"resolved"}`))
	require.NoError(t, err)
	assert.Equal(t, EventResult, e.Kind)
	assert.Equal(t, "resolved", e.Outcome)
	assert.True(t, e.Terminal())
}

func TestDecodeFrame_UnknownKind(t *testing.T) {
	_, err := decodeFrame([]byte(`{"kind":"surprise"}`))
	assert.Error(t, err, "unknown kinds are protocol violations")
}

func TestDecodeFrame_Garbage(t *testing.T) {
	_, err := decodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	events := []*Event{
		{Kind: EventMessage, Text: "hello"},
		{Kind: EventProgress, TaskID: "t-9", State: "queued", Detail: "waiting"},
		{Kind: EventResult, Text: "done", Outcome: "escalated"},
	}

	for _, in := range events {
		line, err := json.Marshal(encodeFrame(in))
		require.NoError(t, err)

		out, err := decodeFrame(line)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEventErr_IsTerminal(t *testing.T) {
	e := &Event{Err: assert.AnError}
	assert.True(t, e.Terminal())
}
