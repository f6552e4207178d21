package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owldb-live/resourcedb/internal/changelog"
	"github.com/owldb-live/resourcedb/internal/db"
	"github.com/owldb-live/resourcedb/internal/db/memdb"
	"github.com/owldb-live/resourcedb/internal/events"
	"github.com/owldb-live/resourcedb/internal/filter"
	"github.com/owldb-live/resourcedb/internal/kv/memkv"
	"github.com/owldb-live/resourcedb/internal/registry"
	"github.com/owldb-live/resourcedb/internal/value"
)

func rec(fields map[string]any) value.Record {
	return value.RecordFromJSON(fields)
}

func newTestPipeline(t *testing.T) (*Pipeline, *registry.Registry) {
	t.Helper()
	store := memdb.New(nil)
	kvStore := memkv.New()
	cl := changelog.New(kvStore, 0, func() int64 { return time.Now().UnixMilli() })
	reg := registry.New(kvStore)
	router := &events.Router{
		Registry: reg,
		Cache:    filter.NewCache(64, filter.DefaultLimits()),
	}
	return New(store, cl, router, Hooks{}), reg
}

func TestCreateAppendsChangelogAndRoutesAddedEvent(t *testing.T) {
	ctx := context.Background()
	p, reg := newTestPipeline(t)
	require.NoError(t, reg.Create(ctx, registry.Subscription{ID: "sub-1", Resource: "widgets", Filter: "value>50"}))

	inserted, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 100.0}))
	require.NoError(t, err)
	assert.NotEmpty(t, inserted["id"].StringVal())

	seq, err := p.Changelog.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	isRelevant, err := reg.IsRelevant(ctx, "sub-1", inserted["id"].StringVal())
	require.NoError(t, err)
	assert.True(t, isRelevant)
}

func TestUpdateProducesBeforeAfterAndChangedEvent(t *testing.T) {
	ctx := context.Background()
	p, reg := newTestPipeline(t)
	require.NoError(t, reg.Create(ctx, registry.Subscription{ID: "sub-1", Resource: "widgets", Filter: "value>50"}))

	inserted, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 100.0}))
	require.NoError(t, err)
	id := inserted["id"].StringVal()

	pair, ok, err := p.Update(ctx, "widgets", id, rec(map[string]any{"value": 200.0}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, pair.Before["value"].NumberVal())
	assert.Equal(t, 200.0, pair.After["value"].NumberVal())

	seq, err := p.Changelog.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestUpdateMissingRowReturnsNotOkAndNoChangelogEntry(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, ok, err := p.Update(ctx, "widgets", "missing", rec(map[string]any{"value": 1.0}))
	require.NoError(t, err)
	assert.False(t, ok)

	seq, err := p.Changelog.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestReplaceOverwritesAllFields(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	inserted, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 1.0, "note": "keep?"}))
	require.NoError(t, err)
	id := inserted["id"].StringVal()

	pair, ok, err := p.Replace(ctx, "widgets", id, rec(map[string]any{"value": 2.0}))
	require.NoError(t, err)
	require.True(t, ok)
	_, hasNote := pair.After["note"]
	assert.False(t, hasNote)
	assert.Equal(t, 2.0, pair.After["value"].NumberVal())
}

func TestDeleteRemovesRowAndAppendsDeleteEntry(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	inserted, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 1.0}))
	require.NoError(t, err)
	id := inserted["id"].StringVal()

	before, ok, err := p.Delete(ctx, "widgets", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, before["value"].NumberVal())

	entries, err := p.Changelog.Range(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, changelog.KindDelete, entries[1].Kind)
}

func TestFailedWriteRollsBackWithNoChangelogEntry(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	abortErr := errors.New("rejected by hook")
	p.Hooks = append(p.Hooks, Hooks{
		OnBeforeCreate: func(_ context.Context, _ string, rec value.Record) (value.Record, error) {
			return nil, abortErr
		},
	})

	_, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 1.0}))
	require.ErrorIs(t, err, abortErr)

	seq, err := p.Changelog.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestBeforeCreateHookChainTransformsLeftToRight(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	p.Hooks = append(p.Hooks,
		Hooks{OnBeforeCreate: func(_ context.Context, _ string, rec value.Record) (value.Record, error) {
			rec["stage"] = value.String("first")
			return rec, nil
		}},
		Hooks{OnBeforeCreate: func(_ context.Context, _ string, rec value.Record) (value.Record, error) {
			rec["stage"] = value.String(rec["stage"].StringVal() + "-second")
			return rec, nil
		}},
	)

	inserted, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 1.0}))
	require.NoError(t, err)
	assert.Equal(t, "first-second", inserted["stage"].StringVal())
}

func TestAfterHooksRunOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	var sawAfter bool
	p.Hooks = append(p.Hooks, Hooks{
		OnAfterCreate: func(_ context.Context, _ string, rec value.Record) {
			sawAfter = true
		},
	})

	_, err := p.Create(ctx, "widgets", rec(map[string]any{"value": 1.0}))
	require.NoError(t, err)
	assert.True(t, sawAfter)
}

func TestBatchCreateInsertsAllRowsInOneTransaction(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	inserted, err := p.BatchCreate(ctx, "widgets", []value.Record{
		rec(map[string]any{"value": 1.0}),
		rec(map[string]any{"value": 2.0}),
		rec(map[string]any{"value": 3.0}),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 3)

	entries, err := p.Changelog.Range(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestBatchUpdateAppliesToAllMatchingRowsAndProducesPairs(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.BatchCreate(ctx, "widgets", []value.Record{
		rec(map[string]any{"value": 10.0, "tag": "a"}),
		rec(map[string]any{"value": 20.0, "tag": "a"}),
		rec(map[string]any{"value": 30.0, "tag": "b"}),
	})
	require.NoError(t, err)

	node, err := filter.Parse(`tag=="a"`, filter.DefaultLimits(), nil)
	require.NoError(t, err)
	pairs, err := p.BatchUpdate(ctx, "widgets", db.Predicate{Node: node}, rec(map[string]any{"touched": true}))
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	for _, pr := range pairs {
		assert.True(t, pr.After["touched"].BoolVal())
	}
}

func TestBatchDeleteRemovesAllMatchingRows(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	_, err := p.BatchCreate(ctx, "widgets", []value.Record{
		rec(map[string]any{"value": 10.0, "tag": "a"}),
		rec(map[string]any{"value": 20.0, "tag": "b"}),
	})
	require.NoError(t, err)

	node, err := filter.Parse(`tag=="a"`, filter.DefaultLimits(), nil)
	require.NoError(t, err)
	deleted, err := p.BatchDelete(ctx, "widgets", db.Predicate{Node: node})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, "a", deleted[0]["tag"].StringVal())
}

func TestInvalidateRawAppendsSentinelAndInvalidatesSubscriptions(t *testing.T) {
	ctx := context.Background()
	p, reg := newTestPipeline(t)
	require.NoError(t, reg.Create(ctx, registry.Subscription{ID: "sub-1", Resource: "widgets", Filter: "value>0"}))

	require.NoError(t, p.InvalidateRaw(ctx, "widgets"))

	entries, err := p.Changelog.Range(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, changelog.WildcardObjectID, entries[0].ObjectID)
}
