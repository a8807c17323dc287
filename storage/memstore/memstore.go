// Package memstore is the in-memory reference StorageAdapter used by
// tests and by Client when no durable backend is configured. Grounded
// on the teacher's mutex-guarded, versioned Cache
// (infrastructure/cache/cache.go): the same "RWMutex + map" shape,
// without the cache's version counter, adapted from TTL key/value entries to per-namespace
// event logs and materialized rows, plus coalesced watch streams.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/syncengine/query"
	"github.com/R3E-Network/syncengine/storage"
	"github.com/R3E-Network/syncengine/syncerr"
	"github.com/R3E-Network/syncengine/syncmodel"
)

// coalesceWindow bounds how quickly a burst of mutations collapses
// into one watch emission, mirroring the teacher cache's periodic
// cleanup ticker rather than firing per-write.
const coalesceWindow = 5 * time.Millisecond

type repoData struct {
	mu       sync.RWMutex
	events   []syncmodel.Event
	eventIdx map[string]int // event_id -> index into events
	state    map[string]storage.StateRow
	watchers map[int]*watcher
	nextWID  int
}

func newRepoData() *repoData {
	return &repoData{
		eventIdx: make(map[string]int),
		state:    make(map[string]storage.StateRow),
		watchers: make(map[int]*watcher),
	}
}

type watcher struct {
	query   *query.Query
	signal  chan struct{}
	out     chan storage.WatchEvent
	stopped chan struct{}
}

type namespace struct {
	mu    sync.Mutex
	repos map[string]*repoData
}

func newNamespace() *namespace {
	return &namespace{repos: make(map[string]*repoData)}
}

// Store is the in-memory Adapter. Zero value is not usable; use New.
type Store struct {
	mu      sync.Mutex
	spaces  map[string]*namespace
	current string
	closed  bool
}

var _ storage.Adapter = (*Store)(nil)

// New returns a Store ready to Open.
func New() *Store {
	return &Store{spaces: make(map[string]*namespace)}
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	if s.current == "" {
		s.current = storage.DefaultNamespace
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) UseNamespace(ctx context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncerr.NamespaceClosedError(ns)
	}
	if _, ok := s.spaces[ns]; !ok {
		s.spaces[ns] = newNamespace()
	}
	s.current = ns
	return nil
}

func (s *Store) currentNamespace() (*namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, syncerr.NamespaceClosedError(s.current)
	}
	ns, ok := s.spaces[s.current]
	if !ok {
		ns = newNamespace()
		s.spaces[s.current] = ns
	}
	return ns, nil
}

func (s *Store) repo(repoName string) (*repoData, error) {
	ns, err := s.currentNamespace()
	if err != nil {
		return nil, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	rd, ok := ns.repos[repoName]
	if !ok {
		rd = newRepoData()
		ns.repos[repoName] = rd
	}
	return rd, nil
}

func (s *Store) EnsureSchema(ctx context.Context, repoName string) error {
	_, err := s.repo(repoName)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, repoName string, ev syncmodel.Event) error {
	rd, err := s.repo(repoName)
	if err != nil {
		return err
	}
	rd.mu.Lock()
	if _, dup := rd.eventIdx[ev.EventID]; dup {
		rd.mu.Unlock()
		return nil // idempotent: duplicate event_id is a no-op (spec §9 Open Question c)
	}
	rd.eventIdx[ev.EventID] = len(rd.events)
	rd.events = append(rd.events, ev)
	rd.mu.Unlock()
	return nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, repoName, eventID string, status syncmodel.Status, serverSequence *int64) error {
	rd, err := s.repo(repoName)
	if err != nil {
		return err
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	idx, ok := rd.eventIdx[eventID]
	if !ok {
		return nil
	}
	ev := rd.events[idx]
	ev.SyncStatus = status
	if serverSequence != nil {
		ev = ev.WithServerSequence(*serverSequence)
	}
	rd.events[idx] = ev
	return nil
}

func (s *Store) PendingEvents(ctx context.Context, repoName string) ([]syncmodel.Event, error) {
	rd, err := s.repo(repoName)
	if err != nil {
		return nil, err
	}
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	var out []syncmodel.Event
	for _, ev := range rd.events {
		if ev.SyncStatus == syncmodel.StatusPending {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) EventByID(ctx context.Context, repoName, eventID string) (syncmodel.Event, bool, error) {
	rd, err := s.repo(repoName)
	if err != nil {
		return syncmodel.Event{}, false, err
	}
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	idx, ok := rd.eventIdx[eventID]
	if !ok {
		return syncmodel.Event{}, false, nil
	}
	return rd.events[idx], true, nil
}

func (s *Store) ApplyState(ctx context.Context, repoName, dataID string, record syncmodel.Record, eventID string) error {
	rd, err := s.repo(repoName)
	if err != nil {
		return err
	}
	rd.mu.Lock()
	rd.state[dataID] = storage.StateRow{DataID: dataID, Record: record.Clone(), LastEventID: eventID}
	notify := snapshotWatchers(rd)
	rd.mu.Unlock()
	signalAll(notify)
	return nil
}

func (s *Store) ApplyDelete(ctx context.Context, repoName, dataID string, eventID string) error {
	rd, err := s.repo(repoName)
	if err != nil {
		return err
	}
	rd.mu.Lock()
	rd.state[dataID] = storage.StateRow{DataID: dataID, Deleted: true, LastEventID: eventID}
	notify := snapshotWatchers(rd)
	rd.mu.Unlock()
	signalAll(notify)
	return nil
}

func (s *Store) GetState(ctx context.Context, repoName, dataID string) (storage.StateRow, bool, error) {
	rd, err := s.repo(repoName)
	if err != nil {
		return storage.StateRow{}, false, err
	}
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	row, ok := rd.state[dataID]
	return row, ok, nil
}

func (s *Store) Query(ctx context.Context, repoName string, q *query.Query) ([]storage.StateRow, error) {
	rd, err := s.repo(repoName)
	if err != nil {
		return nil, err
	}
	rd.mu.RLock()
	rows := rowsSnapshot(rd)
	rd.mu.RUnlock()
	return applyQuery(q, rows), nil
}

func (s *Store) WatchQuery(ctx context.Context, repoName string, q *query.Query) (<-chan storage.WatchEvent, error) {
	rd, err := s.repo(repoName)
	if err != nil {
		return nil, err
	}

	w := &watcher{
		query:   q,
		signal:  make(chan struct{}, 1),
		out:     make(chan storage.WatchEvent, 1),
		stopped: make(chan struct{}),
	}

	rd.mu.Lock()
	id := rd.nextWID
	rd.nextWID++
	rd.watchers[id] = w
	rd.mu.Unlock()

	go func() {
		defer close(w.out)
		emit := func() {
			rd.mu.RLock()
			rows := rowsSnapshot(rd)
			rd.mu.RUnlock()
			select {
			case w.out <- storage.WatchEvent{Rows: applyQuery(q, rows)}:
			case <-ctx.Done():
			}
		}
		emit() // initial snapshot, sent outside the lock below
		for {
			select {
			case <-ctx.Done():
				rd.mu.Lock()
				delete(rd.watchers, id)
				rd.mu.Unlock()
				return
			case <-w.signal:
				time.Sleep(coalesceWindow) // coalesce a burst of mutations
				drain(w.signal)
				emit()
			}
		}
	}()

	return w.out, nil
}

func (s *Store) ClearAllData(ctx context.Context) error {
	ns, err := s.currentNamespace()
	if err != nil {
		return err
	}
	ns.mu.Lock()
	ns.repos = make(map[string]*repoData)
	ns.mu.Unlock()
	return nil
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func snapshotWatchers(rd *repoData) []chan struct{} {
	out := make([]chan struct{}, 0, len(rd.watchers))
	for _, w := range rd.watchers {
		out = append(out, w.signal)
	}
	return out
}

func signalAll(signals []chan struct{}) {
	for _, ch := range signals {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func rowsSnapshot(rd *repoData) []query.Row {
	out := make([]query.Row, 0, len(rd.state))
	for _, row := range rd.state {
		out = append(out, query.Row{DataID: row.DataID, Record: row.Record, Deleted: row.Deleted, EventID: row.LastEventID})
	}
	return out
}

func applyQuery(q *query.Query, rows []query.Row) []storage.StateRow {
	matched := q.Apply(rows)
	out := make([]storage.StateRow, len(matched))
	for i, r := range matched {
		out[i] = storage.StateRow{DataID: r.DataID, Record: r.Record, Deleted: r.Deleted, LastEventID: r.EventID}
	}
	return out
}
