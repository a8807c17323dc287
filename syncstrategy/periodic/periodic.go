// Package periodic implements the reference Periodic SyncStrategy
// (spec §4.5): on a fixed interval or cron expression, drain each
// repository's pending queue, push in batches, pull remote changes
// since the last cursor, and merge. Grounded on the teacher's
// exponential-backoff retry (infrastructure/retry/retry.go, reused
// here as syncstrategy/backoff) for push retries, and on
// robfig/cron/v3 for the optional cron-expression schedule.
package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/syncengine/logging"
	"github.com/R3E-Network/syncengine/metrics"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy"
	"github.com/R3E-Network/syncengine/syncstrategy/backoff"
)

// Transport is the remote side a Periodic strategy pushes to and
// pulls from. Implementations own authentication and wire encoding;
// Strategy only calls it.
type Transport interface {
	// PushBatch sends one repository's pending events to the remote.
	// Returns the subset of event ids the remote accepted.
	PushBatch(ctx context.Context, repo string, events []syncmodel.Event) (accepted []string, err error)
	// PullSince fetches events for repo newer than cursor (a
	// server_sequence, or 0 for "from the beginning").
	PullSince(ctx context.Context, repo string, cursor int64) ([]syncmodel.Event, error)
}

// Config configures interval/jitter/throughput for a Periodic
// strategy. Either Interval or CronExpr should be set; CronExpr takes
// precedence when both are non-zero.
type Config struct {
	Name       string
	Interval   time.Duration
	CronExpr   string
	RateLimit  rate.Limit // pushes/sec ceiling, 0 disables limiting
	RetryCfg   backoff.Config
}

// DefaultConfig returns a once-a-minute drain with modest retry.
func DefaultConfig(name string) Config {
	return Config{
		Name:     name,
		Interval: time.Minute,
		RetryCfg: backoff.DefaultConfig(),
	}
}

// Strategy is the reference Periodic SyncStrategy implementation.
type Strategy struct {
	cfg       Config
	transport Transport
	log       *logging.Logger

	mu        sync.Mutex
	client    syncstrategy.ClientHandle
	connected bool
	conns     chan bool

	cronSched cron.Schedule
	stopFn    context.CancelFunc
	wg        sync.WaitGroup
	limiter   *rate.Limiter
}

var _ syncstrategy.Strategy = (*Strategy)(nil)

// New constructs a Periodic strategy against transport.
func New(cfg Config, transport Transport) *Strategy {
	s := &Strategy{
		cfg:       cfg,
		transport: transport,
		log:       logging.NewFromEnv("strategy:" + cfg.Name),
		conns:     make(chan bool, 8),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}
	if cfg.CronExpr != "" {
		if sched, err := cron.ParseStandard(cfg.CronExpr); err == nil {
			s.cronSched = sched
		}
	}
	return s
}

func (s *Strategy) Name() string { return s.cfg.Name }

func (s *Strategy) Attach(client syncstrategy.ClientHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	return nil
}

// SupportsEvent accepts every event; a Periodic strategy has no
// per-event routing logic of its own.
func (s *Strategy) SupportsEvent(ev syncmodel.Event) bool { return true }

// OnPushToRemote defers immediately to Pending: Periodic never pushes
// synchronously from the Repository call site, only from its own
// drain loop.
func (s *Strategy) OnPushToRemote(ctx context.Context, ev syncmodel.Event) (syncmodel.Status, error) {
	return syncmodel.StatusPending, nil
}

func (s *Strategy) PullChangesToLocal(ctx context.Context, batch syncmodel.Batch) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return fmt.Errorf("periodic strategy %q: PullChangesToLocal before Attach", s.cfg.Name)
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
		return fmt.Errorf("periodic strategy %q: Start before Attach", s.cfg.Name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.stopFn = cancel
	s.mu.Unlock()

	s.setConnected(true)
	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

func (s *Strategy) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stopFn
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.wg.Wait()
	s.setConnected(false)
	close(s.conns)
	return nil
}

func (s *Strategy) ConnectionChanges() <-chan bool { return s.conns }

func (s *Strategy) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := s.nextInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := s.drainOnce(ctx); err != nil {
			s.log.WithFields(nil).WithError(err).Warn("periodic drain failed")
			s.setConnected(false)
			continue
		}
		s.setConnected(true)
	}
}

func (s *Strategy) nextInterval() time.Duration {
	if s.cronSched != nil {
		now := time.Now()
		return s.cronSched.Next(now).Sub(now)
	}
	if s.cfg.Interval > 0 {
		return s.cfg.Interval
	}
	return time.Minute
}

// drainOnce performs one (a)/(b)/(c)/(d) cycle from spec §4.5 across
// every registered repository.
func (s *Strategy) drainOnce(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	for _, repo := range client.RepositoryNames() {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.drainRepo(ctx, client, repo); err != nil {
			return err
		}
	}
	return nil
}

func (s *Strategy) drainRepo(ctx context.Context, client syncstrategy.ClientHandle, repo string) error {
	pending, err := client.PendingEvents(ctx, repo)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		var accepted []string
		err := backoff.Retry(ctx, s.cfg.RetryCfg, func() error {
			ids, pushErr := s.transport.PushBatch(ctx, repo, pending)
			if pushErr == nil {
				accepted = ids
			}
			return pushErr
		})
		metrics.PushTotal.WithLabelValues(s.cfg.Name, statusLabel(err)).Inc()
		if err != nil {
			return err
		}
		if err := client.MarkPushed(ctx, repo, accepted); err != nil {
			return err
		}
	}

	cursor := s.readCursor(ctx, client, repo)
	events, err := s.transport.PullSince(ctx, repo, cursor)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := client.MergeRemoteEvents(ctx, repo, events); err != nil {
		return err
	}
	s.advanceCursor(ctx, client, repo, events)
	return nil
}

func (s *Strategy) readCursor(ctx context.Context, client syncstrategy.ClientHandle, repo string) int64 {
	v, ok, err := client.Config().Get(ctx, syncstrategy.RepoCursorKey(repo))
	if err != nil || !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func (s *Strategy) advanceCursor(ctx context.Context, client syncstrategy.ClientHandle, repo string, events []syncmodel.Event) {
	var max int64
	for _, ev := range events {
		if ev.ServerSequence != nil && *ev.ServerSequence > max {
			max = *ev.ServerSequence
		}
	}
	if max == 0 {
		return
	}
	_ = client.Config().Set(ctx, syncstrategy.RepoCursorKey(repo), max)
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

func statusLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
