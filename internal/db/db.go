// Package db defines the relational DB substrate consumed by the engine
// (spec.md §6): parameterized predicates built from filter trees,
// SELECT/INSERT/UPDATE/DELETE with RETURNING semantics, and
// BEGIN/COMMIT/ROLLBACK transactions. Two adapters implement it:
// db/memdb (in-memory, schema-validated, used by every package's tests)
// and db/pgdb (database/sql + github.com/lib/pq).
package db

import (
	"context"

	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/value"
)

// Predicate carries both representations of a compiled filter expression:
// the in-memory tree (for db/memdb's direct evaluation) and the
// already-bound SQL fragment (for db/pgdb). Building both once per
// request, rather than re-deriving SQL from the tree inside each adapter,
// keeps internal/filter the single place literal-vs-parameter handling
// happens.
type Predicate struct {
	Node *filter.Node
	SQL  filter.SQL
}

// AggFunc is the closed set of aggregate functions the `aggregate`
// endpoint supports (SUPPLEMENTED FEATURES: aggregate endpoint).
type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggCount AggFunc = "count"
)

// AggSpec is one requested aggregate column: `sum(amount) AS totalAmount`.
type AggSpec struct {
	Func  AggFunc
	Field string
	As    string
}

// Pair is a row's before/after image, returned by mutating operations so
// callers (internal/pipeline) can append changelog entries and route
// events without a second read.
type Pair struct {
	ID     string
	Before value.Record
	After  value.Record
}

// DB opens transactions against a resource store.
type DB interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one transaction's worth of reads and writes against a single
// logical resource store, spanning possibly many resources (tables).
type Tx interface {
	SelectByID(ctx context.Context, resource, id string) (value.Record, bool, error)
	Select(ctx context.Context, resource string, pred Predicate, orderBy []cursor.OrderSpec, limit int) ([]value.Record, error)
	Count(ctx context.Context, resource string, pred Predicate) (int64, error)
	Aggregate(ctx context.Context, resource string, groupBy []string, aggs []AggSpec, pred Predicate) ([]value.Record, error)

	Insert(ctx context.Context, resource string, rec value.Record) (value.Record, error)
	Update(ctx context.Context, resource, id string, partial value.Record) (pair Pair, ok bool, err error)
	UpdateWhere(ctx context.Context, resource string, pred Predicate, partial value.Record) ([]Pair, error)
	Replace(ctx context.Context, resource, id string, full value.Record) (pair Pair, ok bool, err error)
	Delete(ctx context.Context, resource, id string) (before value.Record, ok bool, err error)
	DeleteWhere(ctx context.Context, resource string, pred Predicate) ([]value.Record, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
