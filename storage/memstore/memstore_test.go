package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/query"
	"github.com/R3E-Network/syncengine/storage/memstore"
	"github.com/R3E-Network/syncengine/syncmodel"
)

func newOpenStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.UseNamespace(context.Background(), "user__test"))
	return s
}

func TestAppendAndPendingEvents(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "hi"}, syncmodel.OpInsert, syncmodel.StatusPending)
	require.NoError(t, s.AppendEvent(ctx, "notes", ev))

	pending, err := s.PendingEvents(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.EventID, pending[0].EventID)
}

func TestAppendEventIsIdempotentOnDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "hi"}, syncmodel.OpInsert, syncmodel.StatusPending)
	require.NoError(t, s.AppendEvent(ctx, "notes", ev))
	require.NoError(t, s.AppendEvent(ctx, "notes", ev))

	pending, err := s.PendingEvents(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUpdateEventStatusSetsServerSequence(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{}, syncmodel.OpInsert, syncmodel.StatusPending)
	require.NoError(t, s.AppendEvent(ctx, "notes", ev))

	seq := int64(5)
	require.NoError(t, s.UpdateEventStatus(ctx, "notes", ev.EventID, syncmodel.StatusOk, &seq))

	got, ok, err := s.EventByID(ctx, "notes", ev.EventID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, syncmodel.StatusOk, got.SyncStatus)
	require.NotNil(t, got.ServerSequence)
	assert.Equal(t, int64(5), *got.ServerSequence)
}

func TestApplyStateThenGetState(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	require.NoError(t, s.ApplyState(ctx, "notes", "1", syncmodel.Record{"title": "hi"}, "ev1"))

	row, ok, err := s.GetState(ctx, "notes", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", row.Record["title"])
	assert.False(t, row.Deleted)
}

func TestApplyDeleteMarksTombstone(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	require.NoError(t, s.ApplyState(ctx, "notes", "1", syncmodel.Record{"title": "hi"}, "ev1"))
	require.NoError(t, s.ApplyDelete(ctx, "notes", "1", "ev2"))

	row, ok, err := s.GetState(ctx, "notes", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, row.Deleted)
}

func TestQueryFiltersMaterializedRows(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	require.NoError(t, s.ApplyState(ctx, "notes", "1", syncmodel.Record{"title": "alpha"}, "ev1"))
	require.NoError(t, s.ApplyState(ctx, "notes", "2", syncmodel.Record{"title": "beta"}, "ev2"))

	rows, err := s.Query(ctx, "notes", query.New().Where("title", query.IsEqualTo, "beta"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0].DataID)
}

func TestWatchQueryEmitsOnMutation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newOpenStore(t)

	ch, err := s.WatchQuery(ctx, "notes", query.New())
	require.NoError(t, err)

	initial := <-ch
	assert.Len(t, initial.Rows, 0)

	require.NoError(t, s.ApplyState(context.Background(), "notes", "1", syncmodel.Record{"title": "hi"}, "ev1"))

	select {
	case ev := <-ch:
		assert.Len(t, ev.Rows, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch emission")
	}
}

func TestUseNamespaceIsolatesData(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Open(ctx))

	require.NoError(t, s.UseNamespace(ctx, "user__a"))
	require.NoError(t, s.ApplyState(ctx, "notes", "1", syncmodel.Record{"title": "a"}, "ev1"))

	require.NoError(t, s.UseNamespace(ctx, "user__b"))
	_, ok, err := s.GetState(ctx, "notes", "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	ctx := context.Background()
	s := newOpenStore(t)
	require.NoError(t, s.Close(ctx))

	err := s.EnsureSchema(ctx, "notes")
	require.Error(t, err)
}
