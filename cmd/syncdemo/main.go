// Command syncdemo wires an in-memory Client, a single "notes"
// repository, and a Periodic sync strategy against an in-process stub
// remote, then runs a few upserts to demonstrate the push/pull cycle
// end to end. Grounded on the teacher's cmd/slctl run(ctx, args) error
// entry-point shape (cmd/slctl/main.go), adapted from an HTTP API
// client to a self-contained local demo with no network dependency.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/syncengine/client"
	"github.com/R3E-Network/syncengine/configstore"
	"github.com/R3E-Network/syncengine/query"
	"github.com/R3E-Network/syncengine/repository"
	"github.com/R3E-Network/syncengine/storage/memstore"
	"github.com/R3E-Network/syncengine/syncmodel"
	"github.com/R3E-Network/syncengine/syncstrategy/periodic"
)

// demoConfig is the tiny YAML config syncdemo reads at startup.
type demoConfig struct {
	RepositoryName string        `yaml:"repository_name"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
}

func defaultConfig() demoConfig {
	return demoConfig{RepositoryName: "notes", DrainInterval: 50 * time.Millisecond}
}

func loadConfig(path string) (demoConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("syncdemo: read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("syncdemo: parse config: %w", err)
	}
	return cfg, nil
}

// note is the demo's Model: a simple title/body record.
type note struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (n note) RecordID() string { return n.ID }

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "syncdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var configPath string
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store := memstore.New()
	c := client.New(store, configstore.NewMemStore())

	repo := repository.New[note](cfg.RepositoryName, store, repository.JSONCodec[note](), nil)
	if err := c.RegisterRepository(repo); err != nil {
		return err
	}

	remote := newStubRemote()
	strategy := periodic.New(periodic.Config{
		Name:     "demo-periodic",
		Interval: cfg.DrainInterval,
		RetryCfg: periodic.DefaultConfig(cfg.RepositoryName).RetryCfg,
	}, remote)
	if err := c.RegisterStrategy(strategy); err != nil {
		return err
	}

	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("syncdemo: initialize: %w", err)
	}
	defer c.Dispose(ctx)

	if err := repo.Upsert(ctx, note{ID: "1", Title: "grocery list", Body: "eggs, milk"}, true); err != nil {
		return fmt.Errorf("syncdemo: upsert: %w", err)
	}
	if err := repo.Upsert(ctx, note{ID: "2", Title: "todo", Body: "write docs"}, true); err != nil {
		return fmt.Errorf("syncdemo: upsert: %w", err)
	}

	remote.seedRemoteChange(cfg.RepositoryName, note{ID: "3", Title: "from another device", Body: "hi"})

	time.Sleep(cfg.DrainInterval * 3)

	all, err := repo.GetAll(ctx, query.New())
	if err != nil {
		return fmt.Errorf("syncdemo: get all: %w", err)
	}
	fmt.Printf("repository %q now has %d notes:\n", cfg.RepositoryName, len(all))
	for _, n := range all {
		fmt.Printf("  - %s: %s\n", n.ID, n.Title)
	}
	return nil
}

// stubRemote is an in-process periodic.Transport standing in for a
// real sync server: it simply echoes pushed events back as "accepted"
// and lets the demo seed events as if another device had written
// them.
type stubRemote struct {
	mu        sync.Mutex
	sequence  int64
	incoming  map[string][]syncmodel.Event
}

func newStubRemote() *stubRemote {
	return &stubRemote{incoming: make(map[string][]syncmodel.Event)}
}

func (r *stubRemote) PushBatch(ctx context.Context, repo string, events []syncmodel.Event) ([]string, error) {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	return ids, nil
}

func (r *stubRemote) PullSince(ctx context.Context, repo string, cursor int64) ([]syncmodel.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.incoming[repo]
	r.incoming[repo] = nil
	return pending, nil
}

func (r *stubRemote) seedRemoteChange(repo string, n note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	seq := r.sequence
	ev := syncmodel.NewState(repo, n.ID, syncmodel.Record{"id": n.ID, "title": n.Title, "body": n.Body}, syncmodel.OpInsert, syncmodel.StatusOk).WithServerSequence(seq)
	r.incoming[repo] = append(r.incoming[repo], ev)
}
