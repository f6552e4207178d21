// Package pgdb implements db.DB against Postgres via database/sql and
// github.com/lib/pq, translating internal/filter's compiled ToSQL
// predicates directly into parameterised WHERE clauses — no query
// builder layer in between, matching how OwlDB hands already-prepared
// values straight to its storage layer rather than going through an ORM.
package pgdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/value"
)

// Store wraps a *sql.DB. Open it with sql.Open("postgres", dsn) and pass
// the result to New; the caller owns the pool's lifecycle.
type Store struct {
	conn *sql.DB
}

func New(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

var _ db.DB = (*Store)(nil)

func (s *Store) BeginTx(ctx context.Context) (db.Tx, error) {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgdb: begin transaction: %w", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

type tx struct {
	sqlTx *sql.Tx
}

var _ db.Tx = (*tx)(nil)

// quoteIdent double-quotes a Postgres identifier, escaping any embedded
// double quote. Field names reaching this point have already passed
// through a filter.FieldPolicy allow-list upstream, so this is a belt-
// and-suspenders quoting step, not the only line of defense against
// injection.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func scanRow(rows *sql.Rows) (value.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(value.Record, len(cols))
	for i, c := range cols {
		rec[c] = value.FromAny(vals[i])
	}
	return rec, nil
}

func (t *tx) SelectByID(ctx context.Context, resource, id string) (value.Record, bool, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", quoteIdent(resource), quoteIdent("id"))
	rows, err := t.sqlTx.QueryContext(ctx, query, id)
	if err != nil {
		return nil, false, fmt.Errorf("pgdb: select by id: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	rec, err := scanRow(rows)
	if err != nil {
		return nil, false, fmt.Errorf("pgdb: scan row: %w", err)
	}
	return rec, true, nil
}

func (t *tx) Select(ctx context.Context, resource string, pred db.Predicate, orderBy []cursor.OrderSpec, limit int) ([]value.Record, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", quoteIdent(resource), whereOf(pred))
	if len(orderBy) > 0 {
		query += " ORDER BY " + orderByClause(orderBy)
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.sqlTx.QueryContext(ctx, query, pred.SQL.Args...)
	if err != nil {
		return nil, fmt.Errorf("pgdb: select: %w", err)
	}
	defer rows.Close()

	var out []value.Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("pgdb: scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *tx) Count(ctx context.Context, resource string, pred db.Predicate) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteIdent(resource), whereOf(pred))
	var n int64
	if err := t.sqlTx.QueryRowContext(ctx, query, pred.SQL.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgdb: count: %w", err)
	}
	return n, nil
}

func (t *tx) Aggregate(ctx context.Context, resource string, groupBy []string, aggs []db.AggSpec, pred db.Predicate) ([]value.Record, error) {
	selectCols := make([]string, 0, len(groupBy)+len(aggs))
	for _, f := range groupBy {
		selectCols = append(selectCols, quoteIdent(f))
	}
	for _, a := range aggs {
		col := a.As
		if col == "" {
			col = string(a.Func) + "_" + a.Field
		}
		if a.Func == db.AggCount && a.Field == "" {
			selectCols = append(selectCols, fmt.Sprintf("COUNT(*) AS %s", quoteIdent(col)))
			continue
		}
		selectCols = append(selectCols, fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(string(a.Func)), quoteIdent(a.Field), quoteIdent(col)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(selectCols, ", "), quoteIdent(resource), whereOf(pred))
	if len(groupBy) > 0 {
		quoted := make([]string, len(groupBy))
		for i, f := range groupBy {
			quoted[i] = quoteIdent(f)
		}
		query += " GROUP BY " + strings.Join(quoted, ", ")
	}

	rows, err := t.sqlTx.QueryContext(ctx, query, pred.SQL.Args...)
	if err != nil {
		return nil, fmt.Errorf("pgdb: aggregate: %w", err)
	}
	defer rows.Close()

	var out []value.Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("pgdb: scan aggregate row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *tx) Insert(ctx context.Context, resource string, rec value.Record) (value.Record, error) {
	cols := make([]string, 0, len(rec))
	placeholders := make([]string, 0, len(rec))
	args := make([]any, 0, len(rec))
	for k, v := range rec {
		cols = append(cols, quoteIdent(k))
		args = append(args, v.Any())
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		quoteIdent(resource), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgdb: insert: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("pgdb: insert returned no row")
	}
	return scanRow(rows)
}

func (t *tx) Update(ctx context.Context, resource, id string, partial value.Record) (db.Pair, bool, error) {
	before, ok, err := t.SelectByID(ctx, resource, id)
	if err != nil || !ok {
		return db.Pair{}, ok, err
	}

	sets := make([]string, 0, len(partial))
	args := make([]any, 0, len(partial)+1)
	for k, v := range partial {
		args = append(args, v.Any())
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(k), len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		quoteIdent(resource), strings.Join(sets, ", "), quoteIdent("id"), len(args))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return db.Pair{}, false, fmt.Errorf("pgdb: update: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return db.Pair{}, false, rows.Err()
	}
	after, err := scanRow(rows)
	if err != nil {
		return db.Pair{}, false, fmt.Errorf("pgdb: scan updated row: %w", err)
	}
	return db.Pair{ID: id, Before: before, After: after}, true, nil
}

// Replace overwrites every column named in full and preserves id; it does
// not clear columns the table has but full omits — a full schema-aware
// replace would need the table's column list, which this adapter does not
// introspect.
func (t *tx) Replace(ctx context.Context, resource, id string, full value.Record) (db.Pair, bool, error) {
	before, ok, err := t.SelectByID(ctx, resource, id)
	if err != nil || !ok {
		return db.Pair{}, ok, err
	}

	sets := make([]string, 0, len(full))
	args := make([]any, 0, len(full)+1)
	for k, v := range full {
		if k == "id" {
			continue
		}
		args = append(args, v.Any())
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(k), len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		quoteIdent(resource), strings.Join(sets, ", "), quoteIdent("id"), len(args))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return db.Pair{}, false, fmt.Errorf("pgdb: replace: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return db.Pair{}, false, rows.Err()
	}
	after, err := scanRow(rows)
	if err != nil {
		return db.Pair{}, false, fmt.Errorf("pgdb: scan replaced row: %w", err)
	}
	return db.Pair{ID: id, Before: before, After: after}, true, nil
}

func (t *tx) UpdateWhere(ctx context.Context, resource string, pred db.Predicate, partial value.Record) ([]db.Pair, error) {
	matching, err := t.Select(ctx, resource, pred, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("pgdb: read rows before batch update: %w", err)
	}

	pairs := make([]db.Pair, 0, len(matching))
	for _, before := range matching {
		id := before["id"].AsString()
		pair, ok, err := t.Update(ctx, resource, id, partial)
		if err != nil {
			return nil, err
		}
		if ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

func (t *tx) Delete(ctx context.Context, resource, id string) (value.Record, bool, error) {
	before, ok, err := t.SelectByID(ctx, resource, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoteIdent(resource), quoteIdent("id"))
	if _, err := t.sqlTx.ExecContext(ctx, query, id); err != nil {
		return nil, false, fmt.Errorf("pgdb: delete: %w", err)
	}
	return before, true, nil
}

func (t *tx) DeleteWhere(ctx context.Context, resource string, pred db.Predicate) ([]value.Record, error) {
	matching, err := t.Select(ctx, resource, pred, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("pgdb: read rows before batch delete: %w", err)
	}
	befores := make([]value.Record, 0, len(matching))
	for _, before := range matching {
		id := before["id"].AsString()
		if _, ok, err := t.Delete(ctx, resource, id); err != nil {
			return nil, err
		} else if ok {
			befores = append(befores, before)
		}
	}
	return befores, nil
}

func (t *tx) Commit(ctx context.Context) error {
	return t.sqlTx.Commit()
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.sqlTx.Rollback()
}

func whereOf(pred db.Predicate) string {
	if pred.SQL.Where == "" {
		return "TRUE"
	}
	return pred.SQL.Where
}

func orderByClause(orderBy []cursor.OrderSpec) string {
	parts := make([]string, len(orderBy))
	for i, o := range orderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s NULLS LAST", quoteIdent(o.Field), dir)
	}
	return strings.Join(parts, ", ")
}
