// Package configstore implements the engine's namespace-scoped typed
// key/value store (spec.md ConfigStore), independent of the ambient
// process configuration in sysconfig. Grounded on the same
// mutex-guarded map pattern as storage/memstore (itself grounded on
// the teacher's cache.go) plus, for the Postgres adapter, the
// teacher's sqlx upsert style.
package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/syncengine/syncerr"
)

// Store is the ConfigStore contract: get/set/delete/contains/keys/
// clear scalar values under the adapter's current namespace.
// JSON-primitive scalars (string, bool, float64/int, nil) and flat
// lists of strings are accepted; maps and nested lists are rejected
// with ConfigUnsupportedTypeError so config values stay trivially
// mergeable and comparable across namespaces.
type Store interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
	// Contains reports whether key currently has a value.
	Contains(ctx context.Context, key string) (bool, error)
	// Keys lists every key currently set in the namespace.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes every key in the namespace.
	Clear(ctx context.Context) error
	// Close releases any resources the store owns.
	Close(ctx context.Context) error
	UseNamespace(ctx context.Context, namespace string) error
}

// ValidateValue rejects map and nested-list config values per the
// ConfigStore contract. A flat list of strings is accepted.
func ValidateValue(key string, value interface{}) error {
	switch value.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return nil
	}
	if isStringList(value) {
		return nil
	}
	return syncerr.ConfigUnsupportedTypeError(key)
}

// isStringList reports whether value is a flat list of strings,
// accepting both the Go-native []string callers pass in and the
// []interface{} shape a round trip through JSON decoding produces.
func isStringList(value interface{}) bool {
	switch v := value.(type) {
	case []string:
		return true
	case []interface{}:
		for _, item := range v {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// MemStore is the in-memory ConfigStore reference adapter.
type MemStore struct {
	mu        sync.Mutex
	spaces    map[string]map[string]interface{}
	namespace string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a MemStore scoped initially to no namespace;
// call UseNamespace before Get/Set/Delete.
func NewMemStore() *MemStore {
	return &MemStore{spaces: make(map[string]map[string]interface{})}
}

func (m *MemStore) UseNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespace = namespace
	if _, ok := m.spaces[namespace]; !ok {
		m.spaces[namespace] = make(map[string]interface{})
	}
	return nil
}

func (m *MemStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.spaces[m.namespace][key]
	return v, ok, nil
}

func (m *MemStore) Set(ctx context.Context, key string, value interface{}) error {
	if err := ValidateValue(key, value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[m.namespace][key] = value
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces[m.namespace], key)
	return nil
}

func (m *MemStore) Contains(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.spaces[m.namespace][key]
	return ok, nil
}

func (m *MemStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	space := m.spaces[m.namespace]
	keys := make([]string, 0, len(space))
	for k := range space {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[m.namespace] = make(map[string]interface{})
	return nil
}

// Close is a no-op: MemStore owns no external resource.
func (m *MemStore) Close(ctx context.Context) error { return nil }

// PgStore is the Postgres-backed ConfigStore adapter, one schema per
// namespace matching storage/pgstore's layout, storing values as a
// JSON-encoded scalar per row so Get/Set round-trip bools/numbers
// without string coercion.
type PgStore struct {
	db        *sqlx.DB
	namespace string
}

var _ Store = (*PgStore)(nil)

// NewPgStore wraps an already-open sqlx.DB, shared with a
// pgstore.Store instance for the same connection.
func NewPgStore(db *sqlx.DB) *PgStore {
	return &PgStore{db: db}
}

func (p *PgStore) UseNamespace(ctx context.Context, namespace string) error {
	p.namespace = namespace
	quoted := quoteIdent(namespace)
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoted)); err != nil {
		return fmt.Errorf("configstore: create schema: %w", err)
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.config_entries (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL
		)
	`, quoted))
	if err != nil {
		return fmt.Errorf("configstore: ensure table: %w", err)
	}
	return nil
}

func (p *PgStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	var raw []byte
	err := p.db.GetContext(ctx, &raw, fmt.Sprintf(`SELECT value FROM %s.config_entries WHERE key = $1`, quoteIdent(p.namespace)), key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("configstore: get: %w", err)
	}
	v, err := decodeJSONScalar(raw)
	return v, true, err
}

func (p *PgStore) Set(ctx context.Context, key string, value interface{}) error {
	if err := ValidateValue(key, value); err != nil {
		return err
	}
	raw, err := encodeJSONScalar(value)
	if err != nil {
		return fmt.Errorf("configstore: encode: %w", err)
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.config_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2
	`, quoteIdent(p.namespace)), key, raw)
	if err != nil {
		return fmt.Errorf("configstore: set: %w", err)
	}
	return nil
}

func (p *PgStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s.config_entries WHERE key = $1`, quoteIdent(p.namespace)), key)
	if err != nil {
		return fmt.Errorf("configstore: delete: %w", err)
	}
	return nil
}

func (p *PgStore) Contains(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.GetContext(ctx, &exists, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s.config_entries WHERE key = $1)`, quoteIdent(p.namespace)), key)
	if err != nil {
		return false, fmt.Errorf("configstore: contains: %w", err)
	}
	return exists, nil
}

func (p *PgStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := p.db.SelectContext(ctx, &keys, fmt.Sprintf(`SELECT key FROM %s.config_entries`, quoteIdent(p.namespace))); err != nil {
		return nil, fmt.Errorf("configstore: keys: %w", err)
	}
	return keys, nil
}

func (p *PgStore) Clear(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s.config_entries`, quoteIdent(p.namespace))); err != nil {
		return fmt.Errorf("configstore: clear: %w", err)
	}
	return nil
}

// Close closes the underlying connection. PgStore is typically
// constructed over the same *sqlx.DB as a storage/pgstore.Store for
// the same namespace; database/sql's Close is safe to call more than
// once, so closing both is not an error.
func (p *PgStore) Close(ctx context.Context) error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("configstore: close: %w", err)
	}
	return nil
}
