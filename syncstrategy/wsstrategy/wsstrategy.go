// Package wsstrategy implements the reference WebSocket SyncStrategy
// (spec §4.5): a single duplex connection that authenticates, sends
// request_all_events on every (re)connect (no per-repository cursor is
// sent, and incoming events do not advance one), drains the pending
// queue, heartbeats, and reconnects after a fixed ReconnectDelay
// through a circuit breaker. Grounded on
// gorilla/websocket for the transport and on the teacher's circuit
// breaker (infrastructure/circuitbreaker/circuit_breaker.go, reused
// here as syncstrategy/breaker) for reconnect throttling.
package wsstrategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/syncengine/logging"
	"github.com/R3E-Network/syncengine/metrics"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy"
	"github.com/R3E-Network/syncengine/syncstrategy/backoff"
	"github.com/R3E-Network/syncengine/syncstrategy/breaker"
)

// Dialer opens the duplex connection. Implementations wrap
// websocket.DefaultDialer (or a test double); kept as an interface so
// tests never need a live socket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is the minimal duplex message interface Strategy drives.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// gorillaDialer is the production Dialer backed by gorilla/websocket.
type gorillaDialer struct{}

// NewGorillaDialer returns the default production Dialer.
func NewGorillaDialer() Dialer { return gorillaDialer{} }

func (gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct{ conn *websocket.Conn }

func (c *gorillaConn) WriteJSON(v interface{}) error { return c.conn.WriteJSON(v) }
func (c *gorillaConn) ReadJSON(v interface{}) error  { return c.conn.ReadJSON(v) }
func (c *gorillaConn) Close() error                  { return c.conn.Close() }

// Config configures heartbeat/reconnect timing and the breaker
// guarding reconnect attempts.
type Config struct {
	Name              string
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	RetryCfg          backoff.Config
	BreakerCfg        breaker.Config
}

// DefaultConfig returns a 30s heartbeat with a fixed 2s reconnect
// delay.
func DefaultConfig(name, url string) Config {
	return Config{
		Name:              name,
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		ReconnectDelay:    2 * time.Second,
		RetryCfg:          backoff.DefaultConfig(),
		BreakerCfg:        breaker.DefaultConfig(),
	}
}

// Strategy is the reference WebSocket SyncStrategy implementation.
type Strategy struct {
	cfg    Config
	dialer Dialer
	log    *logging.Logger
	cb     *breaker.CircuitBreaker

	mu        sync.Mutex
	client    syncstrategy.ClientHandle
	conn      Conn
	connected bool
	conns     chan bool
	pendingQ  []syncmodel.Event // writes queued while disconnected

	stopFn context.CancelFunc
	wg     sync.WaitGroup
}

var _ syncstrategy.Strategy = (*Strategy)(nil)

// New constructs a WebSocket strategy against url, dialed through
// dialer.
func New(cfg Config, dialer Dialer) *Strategy {
	return &Strategy{
		cfg:    cfg,
		dialer: dialer,
		log:    logging.NewFromEnv("strategy:" + cfg.Name),
		cb:     breaker.New(cfg.BreakerCfg),
		conns:  make(chan bool, 8),
	}
}

func (s *Strategy) Name() string { return s.cfg.Name }

func (s *Strategy) Attach(client syncstrategy.ClientHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	return nil
}

// SupportsEvent accepts every event; routing between multiple
// strategies, if any, is the caller's registration-order choice.
func (s *Strategy) SupportsEvent(ev syncmodel.Event) bool { return true }

// OnPushToRemote sends ev immediately if connected; otherwise it
// queues the write and reports Pending so the event survives until
// the next successful reconnect drains pendingQ.
func (s *Strategy) OnPushToRemote(ctx context.Context, ev syncmodel.Event) (syncmodel.Status, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if !connected || conn == nil {
		s.mu.Lock()
		s.pendingQ = append(s.pendingQ, ev)
		s.mu.Unlock()
		return syncmodel.StatusPending, nil
	}

	msg := syncstrategy.ClientMessage{
		Type:       syncstrategy.MsgPushEvent,
		Repository: ev.RepositoryName,
		Event:      ev.ToWire(),
	}
	if err := s.cb.Execute(ctx, func() error { return conn.WriteJSON(msg) }); err != nil {
		s.mu.Lock()
		s.pendingQ = append(s.pendingQ, ev)
		s.mu.Unlock()
		return syncmodel.Status(0), err
	}
	return syncmodel.StatusOk, nil
}

func (s *Strategy) PullChangesToLocal(ctx context.Context, batch syncmodel.Batch) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("wsstrategy %q: PullChangesToLocal before Attach", s.cfg.Name)
	}
	for repo, events := range batch.Changes {
		if err := client.MergeRemoteEvents(ctx, repo, events); err != nil {
			return err
		}
	}
	return nil
}

func (s *Strategy) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return fmt.Errorf("wsstrategy %q: Start before Attach", s.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.stopFn = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connectLoop(runCtx)
	return nil
}

func (s *Strategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stopFn
	conn := s.conn
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.setConnected(false)
	close(s.conns)
	return nil
}

func (s *Strategy) ConnectionChanges() <-chan bool { return s.conns }

// connectLoop reconnects forever until ctx is canceled, honoring the
// circuit breaker so a flapping remote doesn't hammer Dial.
func (s *Strategy) connectLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.cb.Execute(ctx, func() error { return s.runSession(ctx) })
		if err != nil {
			s.log.WithFields(nil).WithError(err).Warn("websocket session ended")
		}
		s.setConnected(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ReconnectDelay):
		}
	}
}

// runSession dials, authenticates, requests a catch-up, drains the
// pending queue, then services heartbeats and incoming messages until
// the connection fails or ctx is canceled.
func (s *Strategy) runSession(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := conn.WriteJSON(syncstrategy.ClientMessage{Type: syncstrategy.MsgAuth, Token: s.cfg.Token}); err != nil {
		return err
	}
	var ack syncstrategy.ServerMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Type != syncstrategy.MsgAuthSuccess {
		return fmt.Errorf("wsstrategy %q: authentication rejected: %s", s.cfg.Name, ack.Message)
	}

	s.setConnected(true)

	if err := conn.WriteJSON(syncstrategy.ClientMessage{Type: syncstrategy.MsgRequestAllEvents}); err != nil {
		return err
	}
	if err := s.drainPendingQueue(ctx, conn); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	msgCh := make(chan syncstrategy.ServerMessage)
	errCh := make(chan error, 1)
	go s.readLoop(conn, msgCh, errCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := conn.WriteJSON(syncstrategy.ClientMessage{Type: syncstrategy.MsgPing}); err != nil {
				return err
			}
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if err := s.handleServerMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Strategy) readLoop(conn Conn, out chan<- syncstrategy.ServerMessage, errCh chan<- error) {
	for {
		var msg syncstrategy.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			errCh <- err
			return
		}
		out <- msg
	}
}

func (s *Strategy) handleServerMessage(ctx context.Context, conn Conn, msg syncstrategy.ServerMessage) error {
	switch msg.Type {
	case syncstrategy.MsgPong:
		return nil
	case syncstrategy.MsgEvents:
		events := make([]syncmodel.Event, 0, len(msg.Events))
		for _, raw := range msg.Events {
			ev, err := syncmodel.FromWire(msg.Repository, raw)
			if err != nil {
				s.log.WithFields(nil).WithError(err).Warn("dropping malformed remote event")
				continue
			}
			events = append(events, ev)
		}
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if err := client.MergeRemoteEvents(ctx, msg.Repository, events); err != nil {
			return err
		}
		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.EventID
		}
		return conn.WriteJSON(syncstrategy.ClientMessage{
			Type:       syncstrategy.MsgEventsReceived,
			Repository: msg.Repository,
			Count:      len(events),
			EventIDs:   ids,
		})
	case syncstrategy.MsgSyncComplete, syncstrategy.MsgAck:
		return nil
	case syncstrategy.MsgError:
		return fmt.Errorf("wsstrategy %q: server error: %s", s.cfg.Name, msg.Message)
	default:
		return nil
	}
}

// drainPendingQueue flushes writes queued while disconnected, grouped
// by repository since pendingQ accumulates events from every
// repository in a single slice but push_events_batch carries one
// repository per message. Each group's events are finalized Ok via
// MarkPushed once its batch message is written.
func (s *Strategy) drainPendingQueue(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	queued := s.pendingQ
	s.pendingQ = nil
	client := s.client
	s.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}

	byRepo := make(map[string][]syncmodel.Event)
	order := make([]string, 0)
	for _, ev := range queued {
		if _, seen := byRepo[ev.RepositoryName]; !seen {
			order = append(order, ev.RepositoryName)
		}
		byRepo[ev.RepositoryName] = append(byRepo[ev.RepositoryName], ev)
	}

	for _, repo := range order {
		events := byRepo[repo]
		wire := make([]map[string]any, len(events))
		ids := make([]string, len(events))
		for i, ev := range events {
			wire[i] = ev.ToWire()
			ids[i] = ev.EventID
		}
		if err := conn.WriteJSON(syncstrategy.ClientMessage{
			Type:       syncstrategy.MsgPushEventsBatch,
			Repository: repo,
			Events:     wire,
		}); err != nil {
			return err
		}
		if client != nil {
			if err := client.MarkPushed(ctx, repo, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Strategy) setConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()
	if !changed {
		return
	}
	metrics.SetConnectionState(s.cfg.Name, connected)
	s.log.LogConnectionChange(context.Background(), s.cfg.Name, connected)
	select {
	case s.conns <- connected:
	default:
	}
}
