// Package query implements the engine's in-process query builder: a
// fluent filter/sort/paginate spec evaluated against materialized
// state rows, grounded on the teacher's QueryBuilder fluent style
// (database/generic_repository.go) but adapted from REST query
// strings to in-memory predicate evaluation, since a local-first
// engine answers queries from locally materialized rows rather than
// round-tripping to a server.
package query

import (
	"sort"

	"github.com/R3E-Network/syncengine/syncmodel"
)

// Operator is a comparison operator usable in a Where clause.
type Operator int

const (
	IsEqualTo Operator = iota
	IsGreaterThan
	IsGreaterThanOrEqualTo
	IsLessThan
	IsLessThanOrEqualTo
	WhereIn
	IsNull
)

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field string
	Op    Operator
	Value interface{}
}

// Query is an immutable-by-convention builder: each mutator returns
// a new *Query value so callers may safely branch off a shared base.
type Query struct {
	conditions     []Condition
	orderField     string
	descending     bool
	limit          int
	hasLimit       bool
	offset         int
	includeDeleted bool
}

// New returns an empty Query matching every non-deleted row.
func New() *Query {
	return &Query{}
}

func (q *Query) clone() *Query {
	c := *q
	c.conditions = append([]Condition(nil), q.conditions...)
	return &c
}

// Where adds an equality/comparison filter.
func (q *Query) Where(field string, op Operator, value interface{}) *Query {
	c := q.clone()
	c.conditions = append(c.conditions, Condition{Field: field, Op: op, Value: value})
	return c
}

// WhereNull adds an IsNull filter for field.
func (q *Query) WhereNull(field string) *Query {
	return q.Where(field, IsNull, nil)
}

// OrderBy sorts results by field, ascending unless descending is true.
func (q *Query) OrderBy(field string, descending bool) *Query {
	c := q.clone()
	c.orderField = field
	c.descending = descending
	return c
}

// LimitTo caps the number of rows returned. Never calling LimitTo
// means unlimited; once called, n <= 0 yields an empty result rather
// than unlimited (limit_to(0) is a boundary case, not "no limit").
func (q *Query) LimitTo(n int) *Query {
	c := q.clone()
	c.limit = n
	c.hasLimit = true
	return c
}

// StartAfter skips the first n rows of the ordered result (offset
// pagination).
func (q *Query) StartAfter(n int) *Query {
	c := q.clone()
	c.offset = n
	return c
}

// IncludeDeleted controls whether soft-deleted rows (tracked by the
// storage adapter outside the Record itself) are considered. Callers
// that materialize deleted rows as tombstone Records pass them
// through Apply only when this is true.
func (q *Query) IncludeDeleted(include bool) *Query {
	c := q.clone()
	c.includeDeleted = include
	return c
}

// IncludesDeleted reports the query's IncludeDeleted setting, for
// storage adapters deciding whether to fetch tombstones at all.
func (q *Query) IncludesDeleted() bool {
	return q.includeDeleted
}

// Row pairs a DataID with its current Record for evaluation, letting
// callers sort/paginate without smuggling the id inside the payload.
// EventID is the id of the event that produced this row's current
// contents, used only as the stable sort tie-break key.
type Row struct {
	DataID  string
	Record  syncmodel.Record
	Deleted bool
	EventID string
}

// Matches reports whether row satisfies every condition on q.
func (q *Query) Matches(row Row) bool {
	if row.Deleted && !q.includeDeleted {
		return false
	}
	for _, c := range q.conditions {
		if !matchesCondition(row.Record, c) {
			return false
		}
	}
	return true
}

func matchesCondition(rec syncmodel.Record, c Condition) bool {
	actual, present := rec[c.Field]
	switch c.Op {
	case IsNull:
		return !present || actual == nil
	case WhereIn:
		values := toSlice(c.Value)
		if len(values) == 0 || !present {
			return false
		}
		for _, v := range values {
			if compareEqual(actual, v) {
				return true
			}
		}
		return false
	case IsEqualTo:
		return present && compareEqual(actual, c.Value)
	case IsGreaterThan, IsGreaterThanOrEqualTo, IsLessThan, IsLessThanOrEqualTo:
		if !present {
			return false
		}
		cmp, ok := compareOrdered(actual, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case IsGreaterThan:
			return cmp > 0
		case IsGreaterThanOrEqualTo:
			return cmp >= 0
		case IsLessThan:
			return cmp < 0
		case IsLessThanOrEqualTo:
			return cmp <= 0
		}
	}
	return false
}

func compareEqual(a, b interface{}) bool {
	if cmp, ok := compareOrdered(a, b); ok {
		return cmp == 0
	}
	return a == b
}

// compareOrdered compares two values numerically or lexically,
// reporting ok=false when the pair is not comparable.
func compareOrdered(a, b interface{}) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// toSlice normalizes the WhereIn value argument, accepting either
// []interface{} or the more caller-convenient []string.
func toSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	default:
		return nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Apply filters, sorts, and paginates rows per q, in-process. Sort is
// stable with event_id ascending as a deterministic tie-break (always
// ascending regardless of the primary sort direction), so repeated
// calls over an unchanged row set always produce the same order.
func (q *Query) Apply(rows []Row) []Row {
	matched := make([]Row, 0, len(rows))
	for _, r := range rows {
		if q.Matches(r) {
			matched = append(matched, r)
		}
	}

	if q.orderField != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			vi, iok := matched[i].Record[q.orderField]
			vj, jok := matched[j].Record[q.orderField]
			if !iok || !jok {
				return less(matched[i].EventID, matched[j].EventID, false)
			}
			if cmp, ok := compareOrdered(vi, vj); ok && cmp != 0 {
				if q.descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return less(matched[i].EventID, matched[j].EventID, false)
		})
	} else {
		sort.SliceStable(matched, func(i, j int) bool {
			return less(matched[i].EventID, matched[j].EventID, false)
		})
	}

	if q.offset > 0 {
		if q.offset >= len(matched) {
			return []Row{}
		}
		matched = matched[q.offset:]
	}
	if q.hasLimit {
		if q.limit <= 0 {
			return []Row{}
		}
		if q.limit < len(matched) {
			matched = matched[:q.limit]
		}
	}
	return matched
}

func less(a, b string, descending bool) bool {
	if descending {
		return a > b
	}
	return a < b
}
