// ABOUTME: Tests for the case outcome recorder.

package outcome

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec, err := NewRecorder(db)
	require.NoError(t, err)
	return rec
}

func TestRecordAndList(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, &Record{
		CaseID:     "case-1",
		Class:      ClassResolved,
		Duration:   42 * time.Second,
		Messages:   7,
		Retries:    1,
		FinishedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, rec.Record(ctx, &Record{
		CaseID:      "case-2",
		Class:       ClassEscalated,
		Duration:    3 * time.Minute,
		Messages:    15,
		Escalations: 1,
	}))

	got, err := rec.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first
	assert.Equal(t, "case-2", got[0].CaseID)
	assert.Equal(t, ClassEscalated, got[0].Class)
	assert.Equal(t, 1, got[0].Escalations)
	assert.Equal(t, "case-1", got[1].CaseID)
	assert.Equal(t, 42*time.Second, got[1].Duration)
	assert.Equal(t, 7, got[1].Messages)
}

func TestRecord_ReplacesSameCase(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, &Record{CaseID: "case-1", Class: ClassAbandoned}))
	require.NoError(t, rec.Record(ctx, &Record{CaseID: "case-1", Class: ClassResolved}))

	got, err := rec.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ClassResolved, got[0].Class)
}

func TestRecord_RequiresCaseID(t *testing.T) {
	rec := newTestRecorder(t)
	assert.Error(t, rec.Record(context.Background(), &Record{Class: ClassResolved}))
}
