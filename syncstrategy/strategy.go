// Package syncstrategy defines the abstract SyncStrategy contract and
// the wire control-message shapes a reference implementation drives
// over it, grounded on the teacher's pgnotify.Bus subscribe/publish
// shape (infrastructure/pgnotify/bus.go) adapted from a Postgres
// LISTEN/NOTIFY fan-out to a push/pull sync strategy's connection
// lifecycle.
package syncstrategy

import (
	"context"

	"github.com/R3E-Network/syncengine/configstore"
	"github.com/R3E-Network/syncengine/syncmodel"
)

// ClientHandle is the narrow view of Client a Strategy needs after
// Attach. Defined here (not imported from a client package) so
// client can depend on syncstrategy without a cycle.
type ClientHandle interface {
	// PendingEvents returns repo's currently Pending events.
	PendingEvents(ctx context.Context, repo string) ([]syncmodel.Event, error)
	// MergeRemoteEvents routes each event in events to repo's
	// Repository.MergeRemoteEvent.
	MergeRemoteEvents(ctx context.Context, repo string, events []syncmodel.Event) error
	// MarkPushed finalizes each of eventIDs as successfully pushed
	// (Pending -> Ok), for strategies that push outside the
	// synchronous Repository.push pipeline (periodic drain, reconnect
	// drain). A no-op on an empty eventIDs.
	MarkPushed(ctx context.Context, repo string, eventIDs []string) error
	// RepositoryNames lists every repository currently registered.
	RepositoryNames() []string
	// Config returns the namespace-scoped config store, used to
	// persist per-repository sync cursors.
	Config() configstore.Store
}

// Strategy is the abstract sync-strategy contract (spec §4.5). A
// Strategy is attached once to a Client, then driven either by the
// Repository push pipeline (OnPushToRemote) or by its own internal
// loop (PullChangesToLocal, via Start).
type Strategy interface {
	// Name identifies the strategy for logging, metrics, and push
	// pipeline selection (repository.PushStrategy).
	Name() string

	// Attach binds the strategy to its client. Called once by Client
	// during initialize(), before Start.
	Attach(client ClientHandle) error

	// SupportsEvent reports whether this strategy is willing to
	// carry ev. The push pipeline skips strategies that decline.
	SupportsEvent(ev syncmodel.Event) bool

	// OnPushToRemote is invoked synchronously by Repository right
	// after the local state table has been updated and the event
	// appended. It must not block the caller for the duration of a
	// full network round trip; returning Pending defers the attempt
	// to the strategy's own retry schedule.
	OnPushToRemote(ctx context.Context, ev syncmodel.Event) (syncmodel.Status, error)

	// PullChangesToLocal decomposes a remote batch per repository
	// and merges each event via the attached client.
	PullChangesToLocal(ctx context.Context, batch syncmodel.Batch) error

	// Start begins the strategy's background activity (timer loop,
	// persistent connection, ...). Returns once the strategy is
	// running; long-lived work continues until ctx is canceled or
	// Stop is called.
	Start(ctx context.Context) error
	// Stop halts background activity and releases resources.
	Stop(ctx context.Context) error

	// ConnectionChanges streams connectivity flips. The channel is
	// closed when the strategy stops.
	ConnectionChanges() <-chan bool
}

// CursorKey builds the full ConfigStore key a strategy's
// per-repository sync cursor lives under (spec §6), namespace
// included. Useful for callers inspecting a ConfigStore directly.
func CursorKey(namespace, repo string) string {
	return namespace + "__last_sequence__" + repo
}

// RepoCursorKey builds the cursor key's repository-scoped suffix, for
// use against a ConfigStore that is already scoped to a namespace via
// UseNamespace (the common case inside a running strategy).
func RepoCursorKey(repo string) string {
	return "__last_sequence__" + repo
}

// Client→Server control message type tags (spec §6).
const (
	MsgAuth             = "auth"
	MsgPing             = "ping"
	MsgPushEvent        = "push_event"
	MsgPushEventsBatch  = "push_events_batch"
	MsgRequestEvents    = "request_events"
	MsgRequestAllEvents = "request_all_events"
	MsgEventsReceived   = "events_received"
)

// Server→Client control message type tags (spec §6).
const (
	MsgAuthSuccess  = "auth_success"
	MsgPong         = "pong"
	MsgEvents       = "events"
	MsgAck          = "ack"
	MsgSyncComplete = "sync_complete"
	MsgError        = "error"
)

// ClientMessage is the envelope for every client→server control
// message. Fields not used by Type are left zero.
type ClientMessage struct {
	Type           string            `json:"type"`
	Token          string            `json:"token,omitempty"`
	Repository     string            `json:"repository,omitempty"`
	Event          map[string]any    `json:"event,omitempty"`
	Events         []map[string]any  `json:"events,omitempty"`
	Since          string            `json:"since,omitempty"`
	AfterSequence  *int64            `json:"afterSequence,omitempty"`
	EventIDs       []string          `json:"eventIds,omitempty"`
	Count          int               `json:"count,omitempty"`
}

// ServerMessage is the envelope for every server→client control
// message.
type ServerMessage struct {
	Type         string           `json:"type"`
	Repository   string           `json:"repository,omitempty"`
	Events       []map[string]any `json:"events,omitempty"`
	EventIDs     []string         `json:"eventIds,omitempty"`
	Repositories map[string]int64 `json:"repositories,omitempty"`
	Message      string           `json:"message,omitempty"`
}
