package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owldb-live/resourcedb/internal/cursor"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/value"
)

func mustPredicate(t *testing.T, expr string) db.Predicate {
	t.Helper()
	node, err := filter.Parse(expr, filter.DefaultLimits(), nil)
	require.NoError(t, err)
	return db.Predicate{Node: node}
}

func rec(fields map[string]any) value.Record {
	return value.RecordFromJSON(fields)
}

func TestInsertGeneratesIDAndSelectByIDReturnsIt(t *testing.T) {
	ctx := context.Background()
	store := New(nil)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	inserted, err := tx.Insert(ctx, "widgets", rec(map[string]any{"name": "bolt"}))
	require.NoError(t, err)
	require.NotEmpty(t, inserted["id"].StringVal())
	require.NoError(t, tx.Commit(ctx))

	tx2, err := store.BeginTx(ctx)
	require.NoError(t, err)
	got, ok, err := tx2.SelectByID(ctx, "widgets", inserted["id"].StringVal())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bolt", got["name"].StringVal())
}

func TestRollbackDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	store := New(nil)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	inserted, err := tx.Insert(ctx, "widgets", rec(map[string]any{"name": "bolt"}))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	tx2, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, ok, err := tx2.SelectByID(ctx, "widgets", inserted["id"].StringVal())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	for _, v := range []float64{30, 10, 20} {
		_, err := tx.Insert(ctx, "widgets", rec(map[string]any{"value": v}))
		require.NoError(t, err)
	}

	got, err := tx.Select(ctx, "widgets", mustPredicate(t, "value>15"), []cursor.OrderSpec{{Field: "value"}}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(20), got[0]["value"].NumberVal())
	assert.Equal(t, float64(30), got[1]["value"].NumberVal())
}

func TestSelectRespectsLimit(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := tx.Insert(ctx, "widgets", rec(map[string]any{"n": float64(i)}))
		require.NoError(t, err)
	}
	got, err := tx.Select(ctx, "widgets", db.Predicate{}, []cursor.OrderSpec{{Field: "n"}}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestUpdateProducesBeforeAfterPair(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	inserted, err := tx.Insert(ctx, "widgets", rec(map[string]any{"value": 10.0}))
	require.NoError(t, err)
	id := inserted["id"].StringVal()

	pair, ok, err := tx.Update(ctx, "widgets", id, rec(map[string]any{"value": 20.0}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(10), pair.Before["value"].NumberVal())
	assert.Equal(t, float64(20), pair.After["value"].NumberVal())
}

func TestUpdateMissingIDReturnsNotOK(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	_, ok, err := tx.Update(ctx, "widgets", "missing", rec(map[string]any{"value": 1.0}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateWhereAppliesToAllMatchingRows(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	for _, v := range []float64{5, 50, 500} {
		_, err := tx.Insert(ctx, "widgets", rec(map[string]any{"value": v}))
		require.NoError(t, err)
	}

	pairs, err := tx.UpdateWhere(ctx, "widgets", mustPredicate(t, "value>10"), rec(map[string]any{"flag": true}))
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.True(t, p.After["flag"].BoolVal())
	}
}

func TestDeleteAndDeleteWhere(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	a, err := tx.Insert(ctx, "widgets", rec(map[string]any{"value": 1.0}))
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "widgets", rec(map[string]any{"value": 100.0}))
	require.NoError(t, err)

	before, ok, err := tx.Delete(ctx, "widgets", a["id"].StringVal())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(1), before["value"].NumberVal())

	befores, err := tx.DeleteWhere(ctx, "widgets", mustPredicate(t, "value>10"))
	require.NoError(t, err)
	require.Len(t, befores, 1)

	remaining, err := tx.Select(ctx, "widgets", db.Predicate{}, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAggregateGroupsAndComputes(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	rows := []map[string]any{
		{"category": "a", "amount": 10.0},
		{"category": "a", "amount": 20.0},
		{"category": "b", "amount": 5.0},
	}
	for _, r := range rows {
		_, err := tx.Insert(ctx, "orders", rec(r))
		require.NoError(t, err)
	}

	out, err := tx.Aggregate(ctx, "orders", []string{"category"},
		[]db.AggSpec{{Func: db.AggSum, Field: "amount", As: "total"}, {Func: db.AggCount, As: "n"}},
		db.Predicate{})
	require.NoError(t, err)
	require.Len(t, out, 2)

	byCategory := map[string]value.Record{}
	for _, row := range out {
		byCategory[row["category"].StringVal()] = row
	}
	assert.Equal(t, float64(30), byCategory["a"]["total"].NumberVal())
	assert.Equal(t, float64(2), byCategory["a"]["n"].NumberVal())
	assert.Equal(t, float64(5), byCategory["b"]["total"].NumberVal())
}

func TestCommitMakesWritesVisibleToNewTransactions(t *testing.T) {
	ctx := context.Background()
	store := New(nil)

	tx1, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx1.Insert(ctx, "widgets", rec(map[string]any{"name": "a"}))
	require.NoError(t, err)
	require.NoError(t, tx1.Commit(ctx))

	tx2, err := store.BeginTx(ctx)
	require.NoError(t, err)
	rows, err := tx2.Select(ctx, "widgets", db.Predicate{}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
