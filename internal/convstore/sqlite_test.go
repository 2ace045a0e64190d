// ABOUTME: Tests for the SQLite conversation store.
// ABOUTME: Covers append/read consistency, restart durability, isolation, archive.

package convstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conv.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func addMessage(t *testing.T, store *SQLiteStore, convID, role, content string) string {
	t.Helper()
	checksum, err := store.Append(context.Background(), convID, &Mutation{
		AddMessage: &Message{Role: role, Content: content},
	})
	require.NoError(t, err)
	return checksum
}

func TestCreateAndRead(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "cust-42", "refund_request")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, PhaseAnalysis, conv.Phase)
	assert.Equal(t, StatusActive, conv.Status)
	assert.Equal(t, ComputeChecksum(conv), conv.Checksum)

	got, err := store.Read(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "cust-42", got.CustomerID)
	assert.Equal(t, "refund_request", got.IssueType)
}

func TestRead_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_ReadAfterAppendObservesMutation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "cust-1", "late_delivery")
	require.NoError(t, err)

	checksum := addMessage(t, store, conv.ID, "user", "my package is two weeks late")

	got, err := store.Read(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "my package is two weeks late", got.Messages[0].Content)
	assert.Equal(t, checksum, got.Checksum, "append must return the durable checksum")
}

func TestAppend_PhaseStatusScratch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "cust-1", "billing_dispute")
	require.NoError(t, err)

	phase := PhaseNegotiation
	_, err = store.Append(ctx, conv.ID, &Mutation{SetPhase: &phase})
	require.NoError(t, err)

	_, err = store.Append(ctx, conv.ID, &Mutation{SetScratch: &ScratchUpdate{
		AgentID: "negotiation-1", Key: "offer_round", Value: "2",
	}})
	require.NoError(t, err)

	got, err := store.Read(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseNegotiation, got.Phase)
	assert.Equal(t, "2", got.Scratch["negotiation-1"]["offer_round"])
}

func TestAppend_InvalidMutations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "cust-1", "refund_request")
	require.NoError(t, err)

	_, err = store.Append(ctx, conv.ID, &Mutation{})
	assert.ErrorIs(t, err, ErrBadMutation)

	bad := Phase("limbo")
	_, err = store.Append(ctx, conv.ID, &Mutation{SetPhase: &bad})
	assert.ErrorIs(t, err, ErrBadMutation)

	// Create is reserved for the store itself
	_, err = store.Append(ctx, conv.ID, &Mutation{Create: &CreateInfo{ID: "x"}})
	assert.ErrorIs(t, err, ErrBadMutation)
}

func TestRoundTripAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	conv, err := store.Create(ctx, "cust-7", "damaged_item")
	require.NoError(t, err)
	addMessage(t, store, conv.ID, "user", "the box arrived crushed")
	addMessage(t, store, conv.ID, "assistant", "offering replacement")
	phase := PhaseResolution
	_, err = store.Append(ctx, conv.ID, &Mutation{SetPhase: &phase})
	require.NoError(t, err)

	before, err := store.Read(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Simulated process restart
	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	after, err := reopened.Read(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Checksum, after.Checksum)
	assert.Equal(t, before.Phase, after.Phase)
	require.Len(t, after.Messages, 2)
	assert.Equal(t, before.Messages[0].ID, after.Messages[0].ID)
	assert.Equal(t, before.Messages[1].Content, after.Messages[1].Content)
}

func TestTransactionLog_GaplessSequences(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "cust-1", "refund_request")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		addMessage(t, store, conv.ID, "user", fmt.Sprintf("message %d", i))
	}

	rows, err := store.db.Query(`
		SELECT seq FROM transaction_log WHERE conversation_id = ? ORDER BY seq`, conv.ID)
	require.NoError(t, err)
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		require.NoError(t, rows.Scan(&seq))
		seqs = append(seqs, seq)
	}
	require.NoError(t, rows.Err())

	require.Len(t, seqs, 6, "create plus five appends")
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq, "sequence numbers must be gapless")
	}
}

func TestConcurrentAppends_DifferentConversationsDoNotBlock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const conversations = 8
	const appendsEach = 10

	ids := make([]string, conversations)
	for i := range ids {
		conv, err := store.Create(ctx, fmt.Sprintf("cust-%d", i), "refund_request")
		require.NoError(t, err)
		ids[i] = conv.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < appendsEach; j++ {
				_, err := store.Append(ctx, id, &Mutation{
					AddMessage: &Message{Role: "user", Content: fmt.Sprintf("msg %d", j)},
				})
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := store.Read(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got.Messages, appendsEach)
		assert.Equal(t, ComputeChecksum(got), got.Checksum)
	}
}

func TestIsolation_CustomersDoNotShareState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	convA, err := store.Create(ctx, "customer-a", "refund_request")
	require.NoError(t, err)
	convB, err := store.Create(ctx, "customer-b", "late_delivery")
	require.NoError(t, err)

	addMessage(t, store, convA.ID, "user", "a's private details")
	_, err = store.Append(ctx, convA.ID, &Mutation{SetScratch: &ScratchUpdate{
		AgentID: "coordinator", Key: "secret", Value: "a-only",
	}})
	require.NoError(t, err)

	gotB, err := store.Read(ctx, convB.ID)
	require.NoError(t, err)
	assert.Empty(t, gotB.Messages)
	assert.Empty(t, gotB.Scratch)
	assert.Equal(t, "customer-b", gotB.CustomerID)
}

func TestArchive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "cust-9", "refund_request")
	require.NoError(t, err)
	addMessage(t, store, conv.ID, "user", "please refund order 123")
	addMessage(t, store, conv.ID, "assistant", "refund issued")
	phase := PhaseClosed
	_, err = store.Append(ctx, conv.ID, &Mutation{SetPhase: &phase})
	require.NoError(t, err)

	require.NoError(t, store.Archive(ctx, conv.ID))

	// Live record is evicted
	_, err = store.Read(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Archive holds the full history with a ~90 day retention marker
	archived, retainUntil, err := store.ReadArchived(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseClosed, archived.Phase)
	require.Len(t, archived.Messages, 2)

	expected := time.Now().Add(ArchiveRetention)
	assert.WithinDuration(t, expected, retainUntil, time.Minute)
}

func TestListActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, fmt.Sprintf("cust-%d", i), "refund_request")
		require.NoError(t, err)
	}

	convs, err := store.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, convs, 3)
}

func TestComputeChecksum_Deterministic(t *testing.T) {
	conv := &Conversation{
		ID:         "c-1",
		CustomerID: "cust-1",
		IssueType:  "refund_request",
		Phase:      PhaseNegotiation,
		Status:     StatusActive,
		Messages: []*Message{
			{ID: "m-1", Role: "user", Content: "hello"},
		},
		Scratch: map[string]map[string]string{
			"negotiation-1": {"round": "1", "ceiling": "50"},
		},
	}

	first := ComputeChecksum(conv)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ComputeChecksum(conv))
	}

	conv.Messages[0].Content = "changed"
	assert.NotEqual(t, first, ComputeChecksum(conv), "content changes must change the checksum")
}
