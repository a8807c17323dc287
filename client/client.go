// Package client implements the Client orchestrator (spec §4.6): the
// registry of repositories and sync strategies, namespace-switch
// barrier, and connection-state fan-in. Grounded on the teacher's
// init-once service lifecycle conventions (services start via a
// single idempotent bootstrap call, guarded by a mutex, and release
// resources through a matching shutdown) adapted from a long-running
// blockchain service process to a local-first sync engine with no
// daemon of its own.
package client

import (
	"context"
	"sync"

	"github.com/R3E-Network/syncengine/configstore"
	"github.com/R3E-Network/syncengine/logging"
	"github.com/R3E-Network/syncengine/repository"
	"github.com/R3E-Network/syncengine/storage"
	"github.com/R3E-Network/syncengine/syncerr"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy"
)

// ManagedRepository is the type-erased view of a Repository[T] the
// Client registry needs. Any *repository.Repository[T] satisfies this
// structurally; no adapter type is required.
type ManagedRepository interface {
	Name() string
	EnsureSchema(ctx context.Context) error
	Reset()
	MarkInitialized()
	Initialized() bool
	GetPendingEvents(ctx context.Context) ([]syncmodel.Event, error)
	MergeRemoteEvent(ctx context.Context, ev syncmodel.Event) error
	MarkEventsPushed(ctx context.Context, eventIDs []string) error
	AttachStrategies(strategies []repository.PushStrategy)
}

// Client is the engine's single entry point: it owns the storage
// adapter, an optional dedicated config store, the repository
// registry, and the list of sync strategies. Zero value is not
// usable; use New.
type Client struct {
	store  storage.Adapter
	config configstore.Store
	log    *logging.Logger

	mu          sync.Mutex
	initMu      sync.Mutex // serializes Initialize calls
	repos       map[string]ManagedRepository
	strategies  []syncstrategy.Strategy
	initialized bool
	namespace   string

	conns     chan bool
	connState map[string]bool
	connMu    sync.Mutex
}

// New constructs a Client over store. config may be nil when no
// strategy needs a sync cursor; it is a distinct capability from
// storage.Adapter (configstore.MemStore/PgStore, not
// memstore.Store/pgstore.Store), so callers wire it in explicitly
// rather than have Client infer it from store.
func New(store storage.Adapter, config configstore.Store) *Client {
	return &Client{
		store:     store,
		config:    config,
		log:       logging.NewFromEnv("client"),
		repos:     make(map[string]ManagedRepository),
		conns:     make(chan bool, 16),
		connState: make(map[string]bool),
		namespace: storage.DefaultNamespace,
	}
}

// RegisterRepository adds repo to the registry. MUST be called before
// Initialize; duplicate names and late registration both error.
func (c *Client) RegisterRepository(repo ManagedRepository) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return syncerr.LateRegistrationError("repository", repo.Name())
	}
	if _, dup := c.repos[repo.Name()]; dup {
		return syncerr.DuplicateRepositoryError(repo.Name())
	}
	c.repos[repo.Name()] = repo
	return nil
}

// RegisterStrategy adds strategy to the registry. MUST be called
// before Initialize.
func (c *Client) RegisterStrategy(strategy syncstrategy.Strategy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return syncerr.LateRegistrationError("strategy", strategy.Name())
	}
	c.strategies = append(c.strategies, strategy)
	return nil
}

// Initialize opens the adapter, ensures schema for every registered
// repository, attaches strategies to each repository's push pipeline
// and to this Client, and starts every strategy. Idempotent:
// concurrent and repeat calls collapse to the effect of the first.
func (c *Client) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	repos := make([]ManagedRepository, 0, len(c.repos))
	for _, r := range c.repos {
		repos = append(repos, r)
	}
	strategies := append([]syncstrategy.Strategy(nil), c.strategies...)
	c.mu.Unlock()

	if err := c.store.Open(ctx); err != nil {
		return err
	}
	if err := c.store.UseNamespace(ctx, c.namespace); err != nil {
		return err
	}
	if c.config != nil {
		if err := c.config.UseNamespace(ctx, c.namespace); err != nil {
			return err
		}
	}

	pushStrategies := make([]repository.PushStrategy, len(strategies))
	for i, s := range strategies {
		pushStrategies[i] = s
	}

	for _, r := range repos {
		if err := r.EnsureSchema(ctx); err != nil {
			return err
		}
		r.AttachStrategies(pushStrategies)
		r.MarkInitialized()
	}

	for _, s := range strategies {
		if err := s.Attach(c); err != nil {
			return err
		}
	}
	for _, s := range strategies {
		if err := s.Start(ctx); err != nil {
			return err
		}
		c.fanInConnectionChanges(s)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// UseNamespace switches storage and config to namespace, sanitized
// first. Treated as a barrier (spec §5): callers must not have
// writes in flight against the outgoing namespace. A no-op switch
// (same namespace) is tolerated.
func (c *Client) UseNamespace(ctx context.Context, namespace string) error {
	ns := storage.SanitizeNamespace(namespace)

	c.mu.Lock()
	from := c.namespace
	if from == ns {
		c.mu.Unlock()
		return nil
	}
	c.namespace = ns
	c.mu.Unlock()

	if err := c.store.UseNamespace(ctx, ns); err != nil {
		return err
	}
	if c.config != nil {
		if err := c.config.UseNamespace(ctx, ns); err != nil {
			return err
		}
	}
	c.log.LogNamespaceSwitch(ctx, from, ns)
	return nil
}

// PullChanges routes events to the named repository's
// merge_remote_event, one at a time, stopping at the first error
// (typically a FormatError from malformed upstream data).
func (c *Client) PullChanges(ctx context.Context, repo string, events []syncmodel.Event) error {
	return c.MergeRemoteEvents(ctx, repo, events)
}

// MergeRemoteEvents implements syncstrategy.ClientHandle: it routes
// events to repo's Repository.MergeRemoteEvent, one at a time.
func (c *Client) MergeRemoteEvents(ctx context.Context, repo string, events []syncmodel.Event) error {
	r, err := c.repoByName(repo)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := r.MergeRemoteEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// PendingEvents implements syncstrategy.ClientHandle, forwarding to
// the named repository.
func (c *Client) PendingEvents(ctx context.Context, repo string) ([]syncmodel.Event, error) {
	r, err := c.repoByName(repo)
	if err != nil {
		return nil, err
	}
	return r.GetPendingEvents(ctx)
}

// GetAllPendingEvents is the spec-named alias for PendingEvents.
func (c *Client) GetAllPendingEvents(ctx context.Context, repo string) ([]syncmodel.Event, error) {
	return c.PendingEvents(ctx, repo)
}

// MarkPushed implements syncstrategy.ClientHandle, forwarding to the
// named repository.
func (c *Client) MarkPushed(ctx context.Context, repo string, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	r, err := c.repoByName(repo)
	if err != nil {
		return err
	}
	return r.MarkEventsPushed(ctx, eventIDs)
}

// RepositoryNames implements syncstrategy.ClientHandle.
func (c *Client) RepositoryNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.repos))
	for name := range c.repos {
		names = append(names, name)
	}
	return names
}

// Config implements syncstrategy.ClientHandle.
func (c *Client) Config() configstore.Store { return c.config }

// ClearAllData wipes storage and config for the current namespace,
// resets every repository's initialized flag, and re-runs
// ensure_schema (spec §4.2: state + log + config, so sync cursors do
// not survive a reset).
func (c *Client) ClearAllData(ctx context.Context) error {
	if err := c.store.ClearAllData(ctx); err != nil {
		return err
	}
	if c.config != nil {
		if err := c.config.Clear(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	repos := make([]ManagedRepository, 0, len(c.repos))
	for _, r := range c.repos {
		repos = append(repos, r)
	}
	c.mu.Unlock()

	for _, r := range repos {
		r.Reset()
		if err := r.EnsureSchema(ctx); err != nil {
			return err
		}
		r.MarkInitialized()
	}
	return nil
}

// ConnectionChanges returns the merged stream of connectivity flips
// across every registered strategy.
func (c *Client) ConnectionChanges() <-chan bool { return c.conns }

// LatestConnectionState reports the most recently observed
// connectivity for strategy, or false if never reported.
func (c *Client) LatestConnectionState(strategy string) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connState[strategy]
}

// Dispose stops every strategy and closes the storage adapter (and
// config store, if distinct from the adapter).
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	strategies := append([]syncstrategy.Strategy(nil), c.strategies...)
	c.mu.Unlock()

	for _, s := range strategies {
		if err := s.Stop(ctx); err != nil {
			c.log.WithFields(nil).WithError(err).Warn("strategy stop failed")
		}
	}
	if err := c.store.Close(ctx); err != nil {
		return err
	}
	if c.config != nil {
		return c.config.Close(ctx)
	}
	return nil
}

func (c *Client) repoByName(name string) (ManagedRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.repos[name]
	if !ok {
		return nil, syncerr.NotInitializedError("unknown repository: " + name)
	}
	return r, nil
}

// fanInConnectionChanges relays one strategy's connection stream into
// the Client's merged channel, tracking its latest state.
func (c *Client) fanInConnectionChanges(s syncstrategy.Strategy) {
	name := s.Name()
	go func() {
		for connected := range s.ConnectionChanges() {
			c.connMu.Lock()
			c.connState[name] = connected
			c.connMu.Unlock()
			select {
			case c.conns <- connected:
			default:
			}
		}
	}()
}
