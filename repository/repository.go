// Package repository implements Repository[T]: the typed CRUD façade
// over a storage.Adapter, grounded on the teacher's generics-based
// GenericCreate/GenericUpdate/GenericList family
// (database/generic_repository.go), adapted from a Supabase REST
// client wrapper to an event-sourced local store with a push pipeline
// and remote-merge/conflict-resolution protocol.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/R3E-Network/syncengine/logging"
	"github.com/R3E-Network/syncengine/metrics"
	"github.com/R3E-Network/syncengine/query"
	"github.com/R3E-Network/syncengine/storage"
	"github.com/R3E-Network/syncengine/syncerr"
	"github.com/R3E-Network/syncengine/syncmodel"
)

// ConflictFunc resolves concurrent local/remote events for the same
// data id into a single winner. Implementations MUST be pure: no
// mutation of either input, deterministic given the same pair.
type ConflictFunc func(local, remote syncmodel.Event) (syncmodel.Event, error)

// LastWriteWins picks the event with the later SyncCreatedAt,
// breaking exact ties in favor of the remote side (spec §4.4).
func LastWriteWins(local, remote syncmodel.Event) (syncmodel.Event, error) {
	if remote.SyncCreatedAt.After(local.SyncCreatedAt) {
		return remote, nil
	}
	if local.SyncCreatedAt.After(remote.SyncCreatedAt) {
		return local, nil
	}
	return remote, nil
}

// PushStrategy is the narrow view of a sync strategy the push
// pipeline needs. Any syncstrategy.Strategy implementation satisfies
// this structurally, with no import from this package back to
// syncstrategy.
type PushStrategy interface {
	Name() string
	SupportsEvent(ev syncmodel.Event) bool
	OnPushToRemote(ctx context.Context, ev syncmodel.Event) (syncmodel.Status, error)
}

// Model is the constraint on types usable with Repository[T]: they
// must be able to name their own record id.
type Model interface {
	RecordID() string
}

// Codec converts between application model values and the Record map
// the engine persists. JSONCodec below builds one generically via
// encoding/json, mirroring the teacher's json.Marshal/Unmarshal
// round-trips in GenericCreate/GenericList.
type Codec[T Model] struct {
	ToRecord   func(T) syncmodel.Record
	FromRecord func(syncmodel.Record) (T, error)
}

// JSONCodec builds a Codec[T] using encoding/json struct tags,
// requiring no bespoke per-model conversion code.
func JSONCodec[T Model]() Codec[T] {
	return Codec[T]{
		ToRecord: func(v T) syncmodel.Record {
			b, err := json.Marshal(v)
			if err != nil {
				return syncmodel.Record{}
			}
			var rec syncmodel.Record
			_ = json.Unmarshal(b, &rec)
			return rec
		},
		FromRecord: func(rec syncmodel.Record) (T, error) {
			var v T
			b, err := json.Marshal(rec)
			if err != nil {
				return v, fmt.Errorf("repository: encode record: %w", err)
			}
			if err := json.Unmarshal(b, &v); err != nil {
				return v, fmt.Errorf("repository: decode record: %w", err)
			}
			return v, nil
		},
	}
}

// Repository is the typed façade over one named event log + state
// table. Zero value is not usable; use New.
type Repository[T Model] struct {
	name      string
	store     storage.Adapter
	codec     Codec[T]
	conflict  ConflictFunc
	log       *logging.Logger
	mu        sync.Mutex
	strategy  []PushStrategy
	initDone  bool
}

// New constructs a Repository[T] bound to store and named name. A nil
// conflict func defaults to LastWriteWins.
func New[T Model](name string, store storage.Adapter, codec Codec[T], conflict ConflictFunc) *Repository[T] {
	if conflict == nil {
		conflict = LastWriteWins
	}
	return &Repository[T]{
		name:     name,
		store:    store,
		codec:    codec,
		conflict: conflict,
		log:      logging.NewFromEnv("repository:" + name),
	}
}

// Name returns the repository's registered name.
func (r *Repository[T]) Name() string { return r.name }

// AttachStrategies records the ordered list of push strategies this
// repository's push pipeline iterates. Called once by Client at
// initialize() time (spec §4.6); calling it twice replaces the list.
func (r *Repository[T]) AttachStrategies(strategies []PushStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy = strategies
}

// EnsureSchema delegates to the storage adapter for this repository.
func (r *Repository[T]) EnsureSchema(ctx context.Context) error {
	return r.store.EnsureSchema(ctx, r.name)
}

// Reset clears the in-process initialized flag without touching
// persisted data (spec §4.4), used after Client.ClearAllData.
func (r *Repository[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initDone = false
}

// MarkInitialized records that Client.initialize() has run schema
// setup for this repository.
func (r *Repository[T]) MarkInitialized() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initDone = true
}

// Initialized reports whether MarkInitialized has run since the last
// Reset.
func (r *Repository[T]) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initDone
}

// Upsert inserts or merges item. On update, existing fields survive
// unless item's payload overrides them (new-field-wins). When
// needSync is false the resulting event is created Ok and never
// enqueued; otherwise it is Pending and driven through the push
// pipeline before Upsert returns.
func (r *Repository[T]) Upsert(ctx context.Context, item T, needSync bool) error {
	dataID := item.RecordID()
	incoming := r.codec.ToRecord(item)

	existing, found, err := r.store.GetState(ctx, r.name, dataID)
	if err != nil {
		return err
	}

	status := syncmodel.StatusOk
	op := syncmodel.OpInsert
	record := incoming
	if found && !existing.Deleted {
		op = syncmodel.OpUpdate
		record = syncmodel.MergeNewWins(existing.Record, incoming)
	}
	if needSync {
		status = syncmodel.StatusPending
	}

	ev := syncmodel.NewState(r.name, dataID, record, op, status)

	// Superseding runs regardless of op: a still-Pending Delete for
	// this data id (row already erased, so this Upsert takes the
	// OpInsert branch above) must not survive alongside the new event
	// either, or invariant 5 (at most one Pending event per data id)
	// breaks.
	if err := r.supersedePending(ctx, dataID, ev.EventID); err != nil {
		return err
	}

	if err := r.store.AppendEvent(ctx, r.name, ev); err != nil {
		return err
	}
	if err := r.store.ApplyState(ctx, r.name, dataID, record, ev.EventID); err != nil {
		return err
	}
	r.log.LogEventAppended(ctx, r.name, dataID, ev.SyncOperation.String(), needSync)
	metrics.PendingEvents.WithLabelValues(r.name).Inc()

	if needSync {
		return r.push(ctx, ev)
	}
	return nil
}

// Delete appends a Delete event and erases the state row. Older
// pending events for id are superseded (marked Ok).
func (r *Repository[T]) Delete(ctx context.Context, id string, needSync bool) error {
	status := syncmodel.StatusOk
	if needSync {
		status = syncmodel.StatusPending
	}
	ev := syncmodel.NewDelete(r.name, id, status)

	if err := r.supersedePending(ctx, id, ev.EventID); err != nil {
		return err
	}
	if err := r.store.AppendEvent(ctx, r.name, ev); err != nil {
		return err
	}
	if err := r.store.ApplyDelete(ctx, r.name, id, ev.EventID); err != nil {
		return err
	}
	r.log.LogEventAppended(ctx, r.name, id, ev.SyncOperation.String(), needSync)

	if needSync {
		return r.push(ctx, ev)
	}
	return nil
}

// supersedePending marks any still-Pending event for dataID other
// than exceptEventID as Ok (spec invariant 5: at most one Pending
// event per data id).
func (r *Repository[T]) supersedePending(ctx context.Context, dataID, exceptEventID string) error {
	pending, err := r.store.PendingEvents(ctx, r.name)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		if ev.DataID == dataID && ev.EventID != exceptEventID {
			if err := r.store.UpdateEventStatus(ctx, r.name, ev.EventID, syncmodel.StatusOk, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// push drives ev through the registered strategies in order. The
// first strategy that SupportsEvent(ev) decides the outcome: Ok
// finalizes the event, Pending leaves it enqueued, and an error marks
// it Failed. Strategies that decline are skipped without consuming
// the pipeline (spec §4.4).
func (r *Repository[T]) push(ctx context.Context, ev syncmodel.Event) error {
	r.mu.Lock()
	strategies := append([]PushStrategy(nil), r.strategy...)
	r.mu.Unlock()

	for _, s := range strategies {
		if !s.SupportsEvent(ev) {
			continue
		}
		status, err := s.OnPushToRemote(ctx, ev)
		if err != nil {
			r.log.LogPush(ctx, s.Name(), r.name, ev.DataID, "failed", err)
			_ = r.store.UpdateEventStatus(ctx, r.name, ev.EventID, syncmodel.StatusFailed, nil)
			return syncerr.StrategyPushFailedError(r.name, err)
		}
		r.log.LogPush(ctx, s.Name(), r.name, ev.DataID, status.String(), nil)
		metrics.PushTotal.WithLabelValues(s.Name(), status.String()).Inc()
		if status == syncmodel.StatusOk {
			return r.store.UpdateEventStatus(ctx, r.name, ev.EventID, syncmodel.StatusOk, nil)
		}
		// Pending: leave the event enqueued and stop; the strategy
		// itself owns retry/drain on its own schedule.
		return nil
	}
	return nil
}

// GetPendingEvents returns every event whose SyncStatus is Pending.
func (r *Repository[T]) GetPendingEvents(ctx context.Context) ([]syncmodel.Event, error) {
	return r.store.PendingEvents(ctx, r.name)
}

// MarkEventsPushed finalizes each of eventIDs as Ok. Used by
// strategies that push events outside the synchronous push pipeline
// (a periodic or reconnect drain), once the remote has accepted them.
func (r *Repository[T]) MarkEventsPushed(ctx context.Context, eventIDs []string) error {
	for _, id := range eventIDs {
		if err := r.store.UpdateEventStatus(ctx, r.name, id, syncmodel.StatusOk, nil); err != nil {
			return err
		}
		metrics.PendingEvents.WithLabelValues(r.name).Dec()
	}
	return nil
}

// MergeRemoteEvent applies a remote-sourced event per the four-step
// algorithm in spec §4.4.
func (r *Repository[T]) MergeRemoteEvent(ctx context.Context, remote syncmodel.Event) error {
	if _, found, err := r.store.EventByID(ctx, r.name, remote.EventID); err != nil {
		return err
	} else if found {
		metrics.MergeTotal.WithLabelValues(r.name, "duplicate").Inc()
		return nil // idempotent: duplicate event_id is a no-op (invariant 2)
	}

	if remote.Kind == syncmodel.KindDelete {
		ok := remote.WithStatus(syncmodel.StatusOk)
		if err := r.supersedePending(ctx, remote.DataID, ok.EventID); err != nil {
			return err
		}
		if err := r.store.AppendEvent(ctx, r.name, ok); err != nil {
			return err
		}
		if err := r.store.ApplyDelete(ctx, r.name, remote.DataID, ok.EventID); err != nil {
			return err
		}
		r.log.LogMerge(ctx, r.name, remote.DataID, "delete")
		metrics.MergeTotal.WithLabelValues(r.name, "delete").Inc()
		return nil
	}

	existingRow, hasRow, err := r.store.GetState(ctx, r.name, remote.DataID)
	if err != nil {
		return err
	}

	if !hasRow || existingRow.Deleted {
		// No live row to merge against. Per spec §9 Open Question (a),
		// a remote State event arriving after a local Delete is still
		// logged (so the log stays authoritative for replay) but does
		// NOT resurrect the row.
		ok := remote.WithStatus(syncmodel.StatusOk)
		if err := r.store.AppendEvent(ctx, r.name, ok); err != nil {
			return err
		}
		if hasRow && existingRow.Deleted {
			r.log.LogMerge(ctx, r.name, remote.DataID, "late-state-after-delete-not-resurrected")
			metrics.MergeTotal.WithLabelValues(r.name, "late-insert-suppressed").Inc()
			return nil
		}
		if err := r.supersedePending(ctx, remote.DataID, ok.EventID); err != nil {
			return err
		}
		if err := r.store.ApplyState(ctx, r.name, remote.DataID, remote.Payload, ok.EventID); err != nil {
			return err
		}
		r.log.LogMerge(ctx, r.name, remote.DataID, "inserted")
		metrics.MergeTotal.WithLabelValues(r.name, "inserted").Inc()
		return nil
	}

	localEvent, hasLocal, err := r.store.EventByID(ctx, r.name, existingRow.LastEventID)
	if err != nil {
		return err
	}
	if !hasLocal {
		localEvent = syncmodel.NewState(r.name, remote.DataID, existingRow.Record, syncmodel.OpUpdate, syncmodel.StatusOk)
	}

	winner, err := r.conflict(localEvent, remote)
	if err != nil {
		return syncerr.Wrap(syncerr.ConflictUnresolvd, "conflict function returned an error", err).WithDetails("data_id", remote.DataID)
	}
	winner = winner.WithStatus(syncmodel.StatusOk)

	if err := r.supersedePending(ctx, remote.DataID, winner.EventID); err != nil {
		return err
	}
	if winner.EventID != localEvent.EventID {
		if err := r.store.AppendEvent(ctx, r.name, winner); err != nil {
			return err
		}
	}
	if err := r.store.ApplyState(ctx, r.name, remote.DataID, winner.Payload, winner.EventID); err != nil {
		return err
	}
	r.log.LogConflict(ctx, r.name, remote.DataID, winner.EventID)
	metrics.MergeTotal.WithLabelValues(r.name, "conflict-resolved").Inc()
	return nil
}

// Query returns a Query builder scoped to includeDeleted; callers
// execute it via GetAll or Watch.
func (r *Repository[T]) Query(includeDeleted bool) *query.Query {
	return query.New().IncludeDeleted(includeDeleted)
}

// GetAll executes q against this repository and decodes matches to T.
// Tombstones (Deleted rows, present only when q.IncludesDeleted()) are
// skipped since T has no representation for "deleted".
func (r *Repository[T]) GetAll(ctx context.Context, q *query.Query) ([]T, error) {
	rows, err := r.store.Query(ctx, r.name, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if row.Deleted {
			continue
		}
		v, err := r.codec.FromRecord(row.Record)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Watch executes q as a restartable, coalescing stream of full result
// snapshots decoded to T, until ctx is canceled.
func (r *Repository[T]) Watch(ctx context.Context, q *query.Query) (<-chan []T, error) {
	src, err := r.store.WatchQuery(ctx, r.name, q)
	if err != nil {
		return nil, err
	}
	out := make(chan []T, 1)
	go func() {
		defer close(out)
		for ev := range src {
			if ev.Err != nil {
				continue
			}
			decoded := make([]T, 0, len(ev.Rows))
			for _, row := range ev.Rows {
				if row.Deleted {
					continue
				}
				v, err := r.codec.FromRecord(row.Record)
				if err != nil {
					continue
				}
				decoded = append(decoded, v)
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
