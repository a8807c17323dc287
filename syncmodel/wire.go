package syncmodel

import (
	"fmt"
	"time"

	"github.com/R3E-Network/syncengine/syncerr"
)

// Reserved wire keys. Everything else on a State event's wire map is
// a record field.
const (
	wireEventID        = "event_id"
	wireDataID         = "data_id"
	wireSyncStatus     = "sync_status"
	wireSyncOperation  = "sync_operation"
	wireSyncCreatedAt  = "sync_created_at"
	wireServerSequence = "server_sequence"
)

var reservedWireKeys = map[string]bool{
	wireEventID: true, wireDataID: true, wireSyncStatus: true,
	wireSyncOperation: true, wireSyncCreatedAt: true, wireServerSequence: true,
}

// ToWire serializes e per spec.md §6: metadata keys plus, for State
// events, the record fields flattened into the same map. Delete
// events carry no payload fields.
func (e Event) ToWire() map[string]interface{} {
	m := map[string]interface{}{
		wireEventID:       e.EventID,
		wireDataID:        e.DataID,
		wireSyncStatus:    int(e.SyncStatus),
		wireSyncOperation: int(e.SyncOperation),
		wireSyncCreatedAt: e.SyncCreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.ServerSequence != nil {
		m[wireServerSequence] = *e.ServerSequence
	}
	if e.Kind == KindState {
		for k, v := range e.Payload {
			m[k] = v
		}
	}
	return m
}

// FromWire parses a wire map into an Event for repository repo.
// Returns a *syncerr.Error with Code=FormatError on any malformed
// input: missing required fields, an unparsable timestamp, or an
// unknown sync_status.
func FromWire(repo string, m map[string]interface{}) (Event, error) {
	eventID, ok := stringField(m, wireEventID)
	if !ok || eventID == "" {
		return Event{}, syncerr.FormatErrorf("missing or invalid event_id")
	}
	dataID, ok := stringField(m, wireDataID)
	if !ok || dataID == "" {
		return Event{}, syncerr.FormatErrorf("missing or invalid data_id")
	}
	statusRaw, ok := intField(m, wireSyncStatus)
	if !ok {
		return Event{}, syncerr.FormatErrorf("missing or invalid sync_status")
	}
	status := Status(statusRaw)
	if status != StatusOk && status != StatusPending && status != StatusFailed {
		return Event{}, syncerr.FormatErrorf(fmt.Sprintf("unknown sync_status %d", statusRaw))
	}
	opRaw, ok := intField(m, wireSyncOperation)
	if !ok {
		return Event{}, syncerr.FormatErrorf("missing or invalid sync_operation")
	}
	op := Operation(opRaw)
	if op != OpInsert && op != OpUpdate && op != OpDelete {
		return Event{}, syncerr.FormatErrorf(fmt.Sprintf("unknown sync_operation %d", opRaw))
	}
	createdRaw, ok := stringField(m, wireSyncCreatedAt)
	if !ok {
		return Event{}, syncerr.FormatErrorf("missing sync_created_at")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		createdAt, err = time.Parse(time.RFC3339, createdRaw)
		if err != nil {
			return Event{}, syncerr.FormatErrorf("unparsable sync_created_at: " + err.Error())
		}
	}

	ev := Event{
		EventID:        eventID,
		DataID:         dataID,
		RepositoryName: repo,
		SyncStatus:     status,
		SyncOperation:  op,
		SyncCreatedAt:  createdAt.UTC(),
	}

	if raw, present := m[wireServerSequence]; present {
		seq, ok := toInt64(raw)
		if !ok {
			return Event{}, syncerr.FormatErrorf("invalid server_sequence")
		}
		ev.ServerSequence = &seq
	}

	if op == OpDelete {
		ev.Kind = KindDelete
		return ev, nil
	}

	ev.Kind = KindState
	payload := make(Record)
	for k, v := range m {
		if reservedWireKeys[k] {
			continue
		}
		payload[k] = v
	}
	ev.Payload = payload
	return ev, nil
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, present := m[key]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(m map[string]interface{}, key string) (int, bool) {
	v, present := m[key]
	if !present {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Batch is the wire envelope a strategy exchanges with a remote:
// a timestamp plus per-repository change lists.
type Batch struct {
	Timestamp time.Time
	Changes   map[string][]Event
}

// ToWire serializes a Batch per spec.md §6.
func (b Batch) ToWire() map[string]interface{} {
	changes := make(map[string]interface{}, len(b.Changes))
	for repo, events := range b.Changes {
		wireEvents := make([]map[string]interface{}, len(events))
		for i, e := range events {
			wireEvents[i] = e.ToWire()
		}
		changes[repo] = wireEvents
	}
	return map[string]interface{}{
		"timestamp": b.Timestamp.UTC().Format(time.RFC3339Nano),
		"changes":   changes,
	}
}
