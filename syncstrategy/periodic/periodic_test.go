package periodic_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/configstore"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy/periodic"
)

// fakeClient is a minimal syncstrategy.ClientHandle stub.
type fakeClient struct {
	mu      sync.Mutex
	repos   []string
	pending map[string][]syncmodel.Event
	merged  map[string][]syncmodel.Event
	cfg     *configstore.MemStore
}

func newFakeClient(repos ...string) *fakeClient {
	cfg := configstore.NewMemStore()
	_ = cfg.UseNamespace(context.Background(), "user__test")
	return &fakeClient{
		repos:   repos,
		pending: make(map[string][]syncmodel.Event),
		merged:  make(map[string][]syncmodel.Event),
		cfg:     cfg,
	}
}

func (f *fakeClient) PendingEvents(ctx context.Context, repo string) ([]syncmodel.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncmodel.Event(nil), f.pending[repo]...), nil
}

func (f *fakeClient) MergeRemoteEvents(ctx context.Context, repo string, events []syncmodel.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged[repo] = append(f.merged[repo], events...)
	return nil
}

func (f *fakeClient) MarkPushed(ctx context.Context, repo string, eventIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pushed := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		pushed[id] = true
	}
	var remaining []syncmodel.Event
	for _, ev := range f.pending[repo] {
		if !pushed[ev.EventID] {
			remaining = append(remaining, ev)
		}
	}
	f.pending[repo] = remaining
	return nil
}

func (f *fakeClient) RepositoryNames() []string { return f.repos }

func (f *fakeClient) Config() configstore.Store { return f.cfg }

// fakeTransport is a scripted periodic.Transport.
type fakeTransport struct {
	mu         sync.Mutex
	pushCalls  int
	pushErr    error
	pulled     map[string][]syncmodel.Event
}

func (f *fakeTransport) PushBatch(ctx context.Context, repo string, events []syncmodel.Event) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.EventID
	}
	return ids, nil
}

func (f *fakeTransport) PullSince(ctx context.Context, repo string, cursor int64) ([]syncmodel.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newer []syncmodel.Event
	for _, ev := range f.pulled[repo] {
		if ev.ServerSequence != nil && *ev.ServerSequence > cursor {
			newer = append(newer, ev)
		}
	}
	return newer, nil
}

func TestDrainOncePushesPendingAndMergesPulled(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient("notes")
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "hi"}, syncmodel.OpInsert, syncmodel.StatusPending)
	client.pending["notes"] = []syncmodel.Event{ev}

	seq := int64(42)
	remote := syncmodel.NewState("notes", "2", syncmodel.Record{"title": "remote"}, syncmodel.OpInsert, syncmodel.StatusOk).WithServerSequence(seq)
	transport := &fakeTransport{pulled: map[string][]syncmodel.Event{"notes": {remote}}}

	fast := periodic.New(periodic.Config{Name: "fast", Interval: time.Millisecond}, transport)
	require.NoError(t, fast.Attach(client))
	require.NoError(t, fast.Start(ctx))
	defer fast.Stop(ctx)

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		calls := transport.pushCalls
		transport.mu.Unlock()
		return calls > 0
	}, 2*time.Second, 5*time.Millisecond)

	client.mu.Lock()
	merged := len(client.merged["notes"])
	client.mu.Unlock()
	assert.Equal(t, 1, merged)

	v, ok, err := client.cfg.Get(ctx, "__last_sequence__notes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.pending["notes"]) == 0
	}, 2*time.Second, 5*time.Millisecond, "pushed event was never finalized via MarkPushed")
}

func TestSupportsEventAcceptsEverything(t *testing.T) {
	strategy := periodic.New(periodic.DefaultConfig("periodic"), &fakeTransport{})
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{}, syncmodel.OpInsert, syncmodel.StatusPending)
	assert.True(t, strategy.SupportsEvent(ev))
}

func TestOnPushToRemoteAlwaysDefersToPending(t *testing.T) {
	strategy := periodic.New(periodic.DefaultConfig("periodic"), &fakeTransport{})
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{}, syncmodel.OpInsert, syncmodel.StatusPending)
	status, err := strategy.OnPushToRemote(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, syncmodel.StatusPending, status)
}

func TestPullChangesToLocalRoutesPerRepository(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient("notes")
	strategy := periodic.New(periodic.DefaultConfig("periodic"), &fakeTransport{})
	require.NoError(t, strategy.Attach(client))

	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "x"}, syncmodel.OpInsert, syncmodel.StatusOk)
	batch := syncmodel.Batch{Timestamp: time.Now(), Changes: map[string][]syncmodel.Event{"notes": {ev}}}
	require.NoError(t, strategy.PullChangesToLocal(ctx, batch))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.merged["notes"], 1)
}
