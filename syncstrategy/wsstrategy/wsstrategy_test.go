package wsstrategy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/syncengine/configstore"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy"
	"github.com/R3E-Network/syncengine/syncstrategy/wsstrategy"
)

// fakeClient is a minimal syncstrategy.ClientHandle stub shared with
// the periodic package's test pattern.
type fakeClient struct {
	mu     sync.Mutex
	merged map[string][]syncmodel.Event
	pushed map[string][]string
	cfg    *configstore.MemStore
}

func newFakeClient() *fakeClient {
	cfg := configstore.NewMemStore()
	_ = cfg.UseNamespace(context.Background(), "user__test")
	return &fakeClient{merged: make(map[string][]syncmodel.Event), pushed: make(map[string][]string), cfg: cfg}
}

func (f *fakeClient) PendingEvents(ctx context.Context, repo string) ([]syncmodel.Event, error) {
	return nil, nil
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
	f.pushed[repo] = append(f.pushed[repo], eventIDs...)
	return nil
}

func (f *fakeClient) RepositoryNames() []string { return []string{"notes"} }

func (f *fakeClient) Config() configstore.Store { return f.cfg }

// fakeConn is an in-memory Conn backed by two queues, standing in for
// a live socket so tests never dial out.
type fakeConn struct {
	mu      sync.Mutex
	outbox  []interface{}
	inbox   []syncstrategy.ServerMessage
	closed  bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, v)
	return nil
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return errors.New("connection closed")
		}
		if len(c.inbox) == 0 {
			c.mu.Unlock()
			time.Sleep(time.Millisecond)
			continue
		}
		msg := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.mu.Unlock()
		*(v.(*syncstrategy.ServerMessage)) = msg
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) push(msg syncstrategy.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, msg)
}

// fakeDialer hands back a single prewired fakeConn, queued with an
// auth_success reply so runSession's handshake completes immediately.
type fakeDialer struct {
	conn *fakeConn
}

func newFakeDialer() *fakeDialer {
	conn := &fakeConn{}
	conn.push(syncstrategy.ServerMessage{Type: syncstrategy.MsgAuthSuccess})
	return &fakeDialer{conn: conn}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (wsstrategy.Conn, error) {
	return d.conn, nil
}

func TestSupportsEventAcceptsEverything(t *testing.T) {
	strategy := wsstrategy.New(wsstrategy.DefaultConfig("ws", "wss://example.test"), newFakeDialer())
	ev := syncmodel.NewState("notes", "1", syncmodel.Record{}, syncmodel.OpInsert, syncmodel.StatusPending)
	assert.True(t, strategy.SupportsEvent(ev))
}

func TestOnPushToRemoteQueuesWhileDisconnected(t *testing.T) {
	strategy := wsstrategy.New(wsstrategy.DefaultConfig("ws", "wss://example.test"), newFakeDialer())
	client := newFakeClient()
	require.NoError(t, strategy.Attach(client))

	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "hi"}, syncmodel.OpInsert, syncmodel.StatusPending)
	status, err := strategy.OnPushToRemote(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, syncmodel.StatusPending, status)
}

func TestStartAuthenticatesAndReceivesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	cfg := wsstrategy.DefaultConfig("ws", "wss://example.test")
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectDelay = time.Hour
	strategy := wsstrategy.New(cfg, dialer)

	client := newFakeClient()
	require.NoError(t, strategy.Attach(client))
	require.NoError(t, strategy.Start(ctx))
	defer strategy.Stop(ctx)

	require.Eventually(t, func() bool {
		select {
		case connected := <-strategy.ConnectionChanges():
			return connected
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "strategy never reported connected")

	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "remote"}, syncmodel.OpInsert, syncmodel.StatusOk)
	dialer.conn.push(syncstrategy.ServerMessage{
		Type:       syncstrategy.MsgEvents,
		Repository: "notes",
		Events:     []map[string]any{ev.ToWire()},
	})

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.merged["notes"]) == 1
	}, time.Second, 5*time.Millisecond, "remote event was never merged")
}

func TestDrainPendingQueueGroupsByRepositoryAndFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFakeDialer()
	cfg := wsstrategy.DefaultConfig("ws", "wss://example.test")
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectDelay = time.Hour
	strategy := wsstrategy.New(cfg, dialer)

	client := newFakeClient()
	require.NoError(t, strategy.Attach(client))

	notesEv := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "a"}, syncmodel.OpInsert, syncmodel.StatusPending)
	tagsEv := syncmodel.NewState("tags", "2", syncmodel.Record{"name": "b"}, syncmodel.OpInsert, syncmodel.StatusPending)
	_, err := strategy.OnPushToRemote(ctx, notesEv)
	require.NoError(t, err)
	_, err = strategy.OnPushToRemote(ctx, tagsEv)
	require.NoError(t, err)

	require.NoError(t, strategy.Start(ctx))
	defer strategy.Stop(ctx)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.pushed["notes"]) == 1 && len(client.pushed["tags"]) == 1
	}, time.Second, 5*time.Millisecond, "both repositories' events were never finalized via MarkPushed")

	dialer.conn.mu.Lock()
	defer dialer.conn.mu.Unlock()
	batches := 0
	for _, sent := range dialer.conn.outbox {
		msg, ok := sent.(syncstrategy.ClientMessage)
		if ok && msg.Type == syncstrategy.MsgPushEventsBatch {
			batches++
			require.Len(t, msg.Events, 1, "each push_events_batch must carry only its own repository's events")
		}
	}
	assert.Equal(t, 2, batches, "expected one push_events_batch per repository")
}

func TestPullChangesToLocalRoutesPerRepository(t *testing.T) {
	strategy := wsstrategy.New(wsstrategy.DefaultConfig("ws", "wss://example.test"), newFakeDialer())
	client := newFakeClient()
	require.NoError(t, strategy.Attach(client))

	ev := syncmodel.NewState("notes", "1", syncmodel.Record{"title": "x"}, syncmodel.OpInsert, syncmodel.StatusOk)
	batch := syncmodel.Batch{Timestamp: time.Now(), Changes: map[string][]syncmodel.Event{"notes": {ev}}}
	require.NoError(t, strategy.PullChangesToLocal(context.Background(), batch))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.merged["notes"], 1)
}
