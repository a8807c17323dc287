// Package storage defines the StorageAdapter contract: the pluggable
// persistence boundary between a Repository[T] and a concrete backing
// store (in-memory for tests, Postgres for production). Grounded on
// the teacher's interface-first repository design
// (database/repository_interface.go), adapted from per-domain
// interfaces (UserRepository, GasBankRepository, ...) to one
// event-sourcing-shaped contract reused across every repository name.
package storage

import (
	"context"
	"strings"

	"github.com/R3E-Network/syncengine/query"
	"github.com/R3E-Network/syncengine/syncmodel"
)

// DefaultNamespace is used when SanitizeNamespace receives an empty
// input.
const DefaultNamespace = "default"

// SanitizeNamespace normalizes a raw namespace identifier: lowercase,
// replace any character outside [a-z0-9_-] with '_', and prefix with
// "user__". An empty input maps to DefaultNamespace untouched (no
// "user__" prefix), matching the engine's single shared-namespace
// fallback.
func SanitizeNamespace(raw string) string {
	if raw == "" {
		return DefaultNamespace
	}
	lower := strings.ToLower(raw)
	var b strings.Builder
	b.Grow(len(lower) + 6)
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return "user__" + b.String()
}

// StateRow is one materialized row: the live record for a data id, or
// a tombstone when Deleted is true. LastEventID points at the event
// that produced this row's current contents (spec invariant 1), so a
// conflict function can be handed the local event instead of only the
// local payload.
type StateRow struct {
	DataID      string
	Record      syncmodel.Record
	Deleted     bool
	LastEventID string
}

// WatchEvent is emitted by a watch stream each time matching rows
// change. Rows is the full current result set for the query, not a
// delta, so late subscribers and reconnecting subscribers both see a
// consistent snapshot.
type WatchEvent struct {
	Rows []StateRow
	Err  error
}

// Adapter is the storage contract a Repository[T] drives. One Adapter
// instance is scoped to a single namespace at a time via UseNamespace;
// switching namespaces is an atomic barrier (spec §9): callers must
// not have in-flight operations against the old namespace when
// UseNamespace returns.
type Adapter interface {
	// Open acquires any underlying connection/handle. Safe to call
	// once before the first UseNamespace.
	Open(ctx context.Context) error
	// Close releases all resources. After Close, memstore.Store
	// rejects further calls with syncerr.NamespaceClosedError;
	// pgstore.Store's calls fail with database/sql's closed-database
	// error instead.
	Close(ctx context.Context) error

	// UseNamespace switches the adapter to operate against namespace
	// (already sanitized by the caller via SanitizeNamespace) and
	// ensures its schema exists.
	UseNamespace(ctx context.Context, namespace string) error

	// EnsureSchema creates or migrates the state table and event log
	// for repo if they do not already exist.
	EnsureSchema(ctx context.Context, repo string) error

	// AppendEvent durably records ev in repo's event log. Appending
	// never mutates a previously appended event (spec §3 Lifecycle).
	AppendEvent(ctx context.Context, repo string, ev syncmodel.Event) error
	// UpdateEventStatus rewrites the sync_status/server_sequence of an
	// already-appended event in place. This is the one allowed
	// exception to "events are immutable": the engine advances an
	// event's own lifecycle bookkeeping without changing its meaning.
	UpdateEventStatus(ctx context.Context, repo, eventID string, status syncmodel.Status, serverSequence *int64) error
	// PendingEvents returns, in append order, every event in repo
	// whose SyncStatus is Pending.
	PendingEvents(ctx context.Context, repo string) ([]syncmodel.Event, error)
	// EventByID fetches a single event for conflict resolution.
	EventByID(ctx context.Context, repo, eventID string) (syncmodel.Event, bool, error)

	// ApplyState upserts repo's materialized row for dataID, recording
	// eventID as the row's producing event.
	ApplyState(ctx context.Context, repo, dataID string, record syncmodel.Record, eventID string) error
	// ApplyDelete marks repo's row for dataID as deleted, recording
	// eventID as the tombstone's producing event.
	ApplyDelete(ctx context.Context, repo, dataID string, eventID string) error
	// GetState fetches the current materialized row for dataID.
	GetState(ctx context.Context, repo, dataID string) (StateRow, bool, error)

	// Query runs q against repo's materialized rows and returns a
	// one-shot snapshot.
	Query(ctx context.Context, repo string, q *query.Query) ([]StateRow, error)
	// WatchQuery runs q against repo and keeps emitting on ch as
	// matching rows change, until ctx is canceled. The adapter owns
	// ch and closes it on return.
	WatchQuery(ctx context.Context, repo string, q *query.Query) (<-chan WatchEvent, error)

	// ClearAllData wipes every repository's event log and state table
	// in the current namespace. Used by tests and by explicit
	// client.ClearAllData calls.
	ClearAllData(ctx context.Context) error
}
