// Package memdb implements db.DB entirely in memory, using the same
// "mutex-guarded map as the substrate, sort for anything ordered"
// approach used throughout this module's in-memory adapters (see
// internal/kv/memkv). It is used by every package's tests and doubles as
// an embedded single-process deployment mode. Schema validation is wired
// through internal/schema, matching how OwlDB validates every document
// write against its configured JSON Schema before accepting it.
//
// Transactions are snapshot-isolated against the store's own mutex: a
// transaction copies every table under lock, mutates its private copy,
// and swaps it back in on Commit. There is no concurrent-transaction
// write isolation beyond last-commit-wins — acceptable for a reference
// and test adapter, not a promise this package makes for db/pgdb.
package memdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/schema"
	"github.com/owldb-live/resourcedb/internal/value"
)

type table map[string]value.Record

// Store is the in-memory resource store.
type Store struct {
	mu      chan struct{} // binary semaphore; see lock()/unlock()
	tables  map[string]table
	schemas *schema.Registry
}

// New returns an empty Store. schemas may be nil, in which case every
// write is accepted unconditionally.
func New(schemas *schema.Registry) *Store {
	s := &Store{mu: make(chan struct{}, 1), tables: make(map[string]table), schemas: schemas}
	s.mu <- struct{}{}
	return s
}

func (s *Store) lock()   { <-s.mu }
func (s *Store) unlock() { s.mu <- struct{}{} }

var _ db.DB = (*Store)(nil)

// BeginTx snapshots every table into a private copy the transaction
// mutates freely until Commit or Rollback.
func (s *Store) BeginTx(_ context.Context) (db.Tx, error) {
	s.lock()
	defer s.unlock()

	snapshot := make(map[string]table, len(s.tables))
	for resource, t := range s.tables {
		copied := make(table, len(t))
		for id, rec := range t {
			copied[id] = rec.Clone()
		}
		snapshot[resource] = copied
	}
	return &tx{store: s, tables: snapshot}, nil
}

type tx struct {
	store  *Store
	tables map[string]table
	done   bool
}

var _ db.Tx = (*tx)(nil)

func (t *tx) tableFor(resource string) table {
	tb, ok := t.tables[resource]
	if !ok {
		tb = make(table)
		t.tables[resource] = tb
	}
	return tb
}

func (t *tx) SelectByID(_ context.Context, resource, id string) (value.Record, bool, error) {
	rec, ok := t.tableFor(resource)[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *tx) Select(_ context.Context, resource string, pred db.Predicate, orderBy []cursor.OrderSpec, limit int) ([]value.Record, error) {
	var out []value.Record
	for _, rec := range t.tableFor(resource) {
		if pred.Node == nil || filter.Evaluate(pred.Node, rec) {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out, orderBy)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) Count(_ context.Context, resource string, pred db.Predicate) (int64, error) {
	var n int64
	for _, rec := range t.tableFor(resource) {
		if pred.Node == nil || filter.Evaluate(pred.Node, rec) {
			n++
		}
	}
	return n, nil
}

func (t *tx) Aggregate(_ context.Context, resource string, groupBy []string, aggs []db.AggSpec, pred db.Predicate) ([]value.Record, error) {
	type group struct {
		key    value.Record
		values map[string][]float64
		count  int
	}
	groups := make(map[string]*group)
	var order []string

	for _, rec := range t.tableFor(resource) {
		if pred.Node != nil && !filter.Evaluate(pred.Node, rec) {
			continue
		}
		key := make(value.Record, len(groupBy))
		keyStr := ""
		for _, f := range groupBy {
			v := rec[f]
			key[f] = v
			keyStr += v.AsString() + "\x1f"
		}
		g, ok := groups[keyStr]
		if !ok {
			g = &group{key: key, values: make(map[string][]float64)}
			groups[keyStr] = g
			order = append(order, keyStr)
		}
		g.count++
		for _, a := range aggs {
			if a.Func == db.AggCount {
				continue
			}
			if n, ok := rec[a.Field].AsNumber(); ok {
				g.values[a.Field] = append(g.values[a.Field], n)
			}
		}
	}

	sort.Strings(order)
	out := make([]value.Record, 0, len(order))
	for _, k := range order {
		g := groups[k]
		row := g.key.Clone()
		for _, a := range aggs {
			col := a.As
			if col == "" {
				col = string(a.Func) + "_" + a.Field
			}
			row[col] = value.Number(aggregate(a.Func, g.values[a.Field], g.count))
		}
		out = append(out, row)
	}
	return out, nil
}

func aggregate(fn db.AggFunc, values []float64, count int) float64 {
	switch fn {
	case db.AggCount:
		return float64(count)
	case db.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case db.AggAvg:
		if len(values) == 0 {
			return 0
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case db.AggMin:
		if len(values) == 0 {
			return 0
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case db.AggMax:
		if len(values) == 0 {
			return 0
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		return 0
	}
}

func (t *tx) Insert(_ context.Context, resource string, rec value.Record) (value.Record, error) {
	if err := t.store.schemas.Validate(resource, rec); err != nil {
		return nil, err
	}
	toStore := rec.Clone()
	id := toStore["id"].StringVal()
	if id == "" {
		id = uuid.NewString()
		toStore["id"] = value.String(id)
	}
	if _, exists := t.tableFor(resource)[id]; exists {
		return nil, fmt.Errorf("memdb: row %s already exists in %s", id, resource)
	}
	t.tableFor(resource)[id] = toStore.Clone()
	return toStore.Clone(), nil
}

func (t *tx) Update(_ context.Context, resource, id string, partial value.Record) (db.Pair, bool, error) {
	tb := t.tableFor(resource)
	before, ok := tb[id]
	if !ok {
		return db.Pair{}, false, nil
	}
	after := before.Clone()
	for k, v := range partial {
		after[k] = v
	}
	if err := t.store.schemas.Validate(resource, after); err != nil {
		return db.Pair{}, false, err
	}
	tb[id] = after.Clone()
	return db.Pair{ID: id, Before: before.Clone(), After: after.Clone()}, true, nil
}

// Replace overwrites the entire row with full, preserving only id. Unlike
// Update, fields present in before but absent from full do not survive.
func (t *tx) Replace(_ context.Context, resource, id string, full value.Record) (db.Pair, bool, error) {
	tb := t.tableFor(resource)
	before, ok := tb[id]
	if !ok {
		return db.Pair{}, false, nil
	}
	after := full.Clone()
	after["id"] = value.String(id)
	if err := t.store.schemas.Validate(resource, after); err != nil {
		return db.Pair{}, false, err
	}
	tb[id] = after.Clone()
	return db.Pair{ID: id, Before: before.Clone(), After: after.Clone()}, true, nil
}

func (t *tx) UpdateWhere(_ context.Context, resource string, pred db.Predicate, partial value.Record) ([]db.Pair, error) {
	tb := t.tableFor(resource)
	var matchedIDs []string
	for id, rec := range tb {
		if pred.Node == nil || filter.Evaluate(pred.Node, rec) {
			matchedIDs = append(matchedIDs, id)
		}
	}

	pairs := make([]db.Pair, 0, len(matchedIDs))
	for _, id := range matchedIDs {
		before := tb[id]
		after := before.Clone()
		for k, v := range partial {
			after[k] = v
		}
		if err := t.store.schemas.Validate(resource, after); err != nil {
			return nil, err
		}
		tb[id] = after.Clone()
		pairs = append(pairs, db.Pair{ID: id, Before: before.Clone(), After: after.Clone()})
	}
	return pairs, nil
}

func (t *tx) Delete(_ context.Context, resource, id string) (value.Record, bool, error) {
	tb := t.tableFor(resource)
	before, ok := tb[id]
	if !ok {
		return nil, false, nil
	}
	delete(tb, id)
	return before.Clone(), true, nil
}

func (t *tx) DeleteWhere(_ context.Context, resource string, pred db.Predicate) ([]value.Record, error) {
	tb := t.tableFor(resource)
	var matchedIDs []string
	for id, rec := range tb {
		if pred.Node == nil || filter.Evaluate(pred.Node, rec) {
			matchedIDs = append(matchedIDs, id)
		}
	}
	befores := make([]value.Record, 0, len(matchedIDs))
	for _, id := range matchedIDs {
		befores = append(befores, tb[id].Clone())
		delete(tb, id)
	}
	return befores, nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("memdb: transaction already closed")
	}
	t.done = true
	t.store.lock()
	defer t.store.unlock()
	t.store.tables = t.tables
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.done = true
	return nil
}

func sortRecords(recs []value.Record, orderBy []cursor.OrderSpec) {
	sort.SliceStable(recs, func(i, j int) bool {
		for _, o := range orderBy {
			cmp := compareValues(recs[i][o.Field], recs[j][o.Field])
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareValues orders two scalars, nulls-last regardless of direction
// (matching this module's default cursor nulls-last policy).
func compareValues(a, b value.Value) int {
	if a.IsNull() && b.IsNull() {
		return 0
	}
	if a.IsNull() {
		return 1
	}
	if b.IsNull() {
		return -1
	}
	if an, aok := a.AsNumber(); aok {
		if bn, bok := b.AsNumber(); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := a.AsTime(); aok {
		if bt, bok := b.AsTime(); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := a.AsString(), b.AsString()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
