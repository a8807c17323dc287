package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/client"
	"github.com/R3E-Network/syncengine/configstore"
	"github.com/R3E-Network/syncengine/query"
	"github.com/R3E-Network/syncengine/repository"
	"github.com/R3E-Network/syncengine/storage/memstore"
	"github.com/R3E-Network/syncengine/syncerr"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy"
)

type note struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (n note) RecordID() string { return n.ID }

func newTestClient(t *testing.T) (*client.Client, *repository.Repository[note]) {
	t.Helper()
	store := memstore.New()
	cfg := configstore.NewMemStore()
	c := client.New(store, cfg)
	repo := repository.New[note]("notes", store, repository.JSONCodec[note](), nil)
	require.NoError(t, c.RegisterRepository(repo))
	return c, repo
}

func TestRegisterDuplicateRepositoryErrors(t *testing.T) {
	store := memstore.New()
	c := client.New(store, configstore.NewMemStore())
	repo := repository.New[note]("notes", store, repository.JSONCodec[note](), nil)
	require.NoError(t, c.RegisterRepository(repo))

	err := c.RegisterRepository(repo)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.DuplicateRepo))
}

func TestLateRegistrationAfterInitializeErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	store := memstore.New()
	late := repository.New[note]("late", store, repository.JSONCodec[note](), nil)
	err := c.RegisterRepository(late)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.LateRegistration))

	stub := &stubStrategy{name: "late-strategy"}
	err = c.RegisterStrategy(stub)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.LateRegistration))
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.Initialize(ctx))
}

func TestUpsertAndGetAllThroughRegisteredRepository(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, repo.Upsert(ctx, note{ID: "1", Title: "hello"}, false))
	all, err := repo.GetAll(ctx, query.New())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "hello", all[0].Title)
}

func TestMergeRemoteEventsRoutesToNamedRepository(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "remote", "id": "1"}, syncmodel.OpInsert, syncmodel.StatusOk)
	require.NoError(t, c.MergeRemoteEvents(ctx, "notes", []syncmodel.Event{ev}))

	all, err := repo.GetAll(ctx, query.New())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "remote", all[0].Title)
}

func TestMergeRemoteEventsUnknownRepositoryErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	ev := syncmodel.NewState("ghost", "1", syncmodel.Record{}, syncmodel.OpInsert, syncmodel.StatusOk)
	err := c.MergeRemoteEvents(ctx, "ghost", []syncmodel.Event{ev})
	require.Error(t, err)
}

func TestPendingEventsForwardsToRepository(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, repo.Upsert(ctx, note{ID: "1", Title: "hello"}, true))
	pending, err := c.PendingEvents(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestUseNamespaceBarrierIsolatesData(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, repo.Upsert(ctx, note{ID: "1", Title: "in-default"}, false))

	require.NoError(t, c.UseNamespace(ctx, "team-a"))
	all, err := repo.GetAll(ctx, query.New())
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, c.UseNamespace(ctx, "team-a")) // no-op switch tolerated
}

func TestClearAllDataResetsAndReEnsuresSchema(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestClient(t)
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, repo.Upsert(ctx, note{ID: "1", Title: "hello"}, false))
	require.NoError(t, c.ClearAllData(ctx))

	all, err := repo.GetAll(ctx, query.New())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.True(t, repo.Initialized())
}

func TestConnectionChangesFanInFromStrategies(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := client.New(store, configstore.NewMemStore())
	repo := repository.New[note]("notes", store, repository.JSONCodec[note](), nil)
	require.NoError(t, c.RegisterRepository(repo))

	stub := &stubStrategy{name: "stub"}
	require.NoError(t, c.RegisterStrategy(stub))
	require.NoError(t, c.Initialize(ctx))
	defer c.Dispose(ctx)

	select {
	case connected := <-c.ConnectionChanges():
		assert.True(t, connected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connection change")
	}

	require.Eventually(t, func() bool {
		return c.LatestConnectionState("stub")
	}, time.Second, 5*time.Millisecond)
}

func TestDisposeStopsStrategiesAndClosesStore(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	stub := &stubStrategy{name: "stub"}
	require.NoError(t, c.RegisterStrategy(stub))
	require.NoError(t, c.Initialize(ctx))

	require.NoError(t, c.Dispose(ctx))
	assert.True(t, stub.stopped)
	assert.Error(t, c.ClearAllData(ctx), "a closed store rejects further operations")
}

// stubStrategy is a minimal syncstrategy.Strategy used to exercise
// Client's lifecycle and connection fan-in without a real transport.
type stubStrategy struct {
	mu      sync.Mutex
	name    string
	conns   chan bool
	stopped bool
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Attach(client syncstrategy.ClientHandle) error { return nil }

func (s *stubStrategy) SupportsEvent(ev syncmodel.Event) bool { return true }

func (s *stubStrategy) OnPushToRemote(ctx context.Context, ev syncmodel.Event) (syncmodel.Status, error) {
	return syncmodel.StatusOk, nil
}

func (s *stubStrategy) PullChangesToLocal(ctx context.Context, batch syncmodel.Batch) error {
	return nil
}

func (s *stubStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = make(chan bool, 4)
	s.conns <- true
	return nil
}

func (s *stubStrategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.conns != nil {
		close(s.conns)
	}
	return nil
}

func (s *stubStrategy) ConnectionChanges() <-chan bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}
