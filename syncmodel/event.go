// Package syncmodel defines the Event tagged union and its wire codec.
package syncmodel

import (
	"time"

	"github.com/R3E-Network/syncengine/idgen"
)

// Kind distinguishes a State event (carries a payload) from a Delete
// event (erases the record).
type Kind int

const (
	KindState Kind = iota
	KindDelete
)

func (k Kind) String() string {
	if k == KindDelete {
		return "delete"
	}
	return "state"
}

// Status is an event's sync lifecycle position.
type Status int

const (
	StatusOk Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Operation is the CRUD shape of an event, mostly derivable from Kind
// except that a State event may be either an Insert or an Update.
type Operation int

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Record is a record payload: application fields keyed by name.
type Record map[string]interface{}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// MergeNewWins merges newer on top of older: fields present in newer
// overwrite older, fields only in older are preserved. Neither input
// is mutated.
func MergeNewWins(older, newer Record) Record {
	out := older.Clone()
	if out == nil {
		out = make(Record, len(newer))
	}
	for k, v := range newer {
		out[k] = v
	}
	return out
}

// Event is the engine's immutable unit of change.
type Event struct {
	Kind           Kind
	EventID        string
	DataID         string
	RepositoryName string
	SyncStatus     Status
	SyncOperation  Operation
	SyncCreatedAt  time.Time
	ServerSequence *int64 // nil until a remote authority assigns one
	Payload        Record // nil for Delete events
}

// NewState builds a new State event, deriving EventID and
// SyncCreatedAt so the two never disagree (spec invariant 3).
func NewState(repo, dataID string, payload Record, op Operation, status Status) Event {
	id := idgen.New()
	ts, _ := idgen.Timestamp(id)
	return Event{
		Kind:           KindState,
		EventID:        id,
		DataID:         dataID,
		RepositoryName: repo,
		SyncStatus:     status,
		SyncOperation:  op,
		SyncCreatedAt:  ts,
		Payload:        payload,
	}
}

// NewDelete builds a new Delete event.
func NewDelete(repo, dataID string, status Status) Event {
	id := idgen.New()
	ts, _ := idgen.Timestamp(id)
	return Event{
		Kind:           KindDelete,
		EventID:        id,
		DataID:         dataID,
		RepositoryName: repo,
		SyncStatus:     status,
		SyncOperation:  OpDelete,
		SyncCreatedAt:  ts,
	}
}

// WithStatus returns a copy of e with SyncStatus replaced. Event
// mutation is otherwise forbidden once appended (spec §3 Lifecycle);
// callers persist a status change via storage.Adapter.UpdateEventStatus.
func (e Event) WithStatus(s Status) Event {
	e.SyncStatus = s
	return e
}

// WithServerSequence returns a copy of e with ServerSequence set.
func (e Event) WithServerSequence(seq int64) Event {
	e.ServerSequence = &seq
	return e
}

// Less reports whether e sorts strictly before other by EventID,
// which (per UUIDv7 ordering) agrees with creation order.
func (e Event) Less(other Event) bool {
	return e.EventID < other.EventID
}
