package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owldb-live/resourcedb/internal/kv/memkv"
)

func newTestRegistry() *Registry {
	return New(memkv.New())
}

func TestCreateAndGetSubscription(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	sub := Subscription{
		ID: "sub-1", Resource: "widgets", Filter: "status==active",
		ScopeUser: "alice", LastSeq: 5, CreatedAt: time.Now(),
	}
	require.NoError(t, r.Create(ctx, sub))

	got, ok, err := r.Get(ctx, "sub-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "widgets", got.Resource)
	assert.Equal(t, int64(5), got.LastSeq)
}

func TestSubscriptionsForResourceOnlyReturnsMatching(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	require.NoError(t, r.Create(ctx, Subscription{ID: "a", Resource: "widgets"}))
	require.NoError(t, r.Create(ctx, Subscription{ID: "b", Resource: "widgets"}))
	require.NoError(t, r.Create(ctx, Subscription{ID: "c", Resource: "gadgets"}))

	widgetSubs, err := r.SubscriptionsForResource(ctx, "widgets")
	require.NoError(t, err)
	assert.Len(t, widgetSubs, 2)

	gadgetSubs, err := r.SubscriptionsForResource(ctx, "gadgets")
	require.NoError(t, err)
	assert.Len(t, gadgetSubs, 1)
}

func TestDeleteRemovesRecordIndexAndRelevantIds(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	require.NoError(t, r.Create(ctx, Subscription{ID: "sub-1", Resource: "widgets"}))
	require.NoError(t, r.AddRelevant(ctx, "sub-1", "row-1"))

	require.NoError(t, r.Delete(ctx, "sub-1"))

	_, ok, err := r.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.False(t, ok)

	subs, err := r.SubscriptionsForResource(ctx, "widgets")
	require.NoError(t, err)
	assert.Empty(t, subs)

	ids, err := r.RelevantIDs(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRelevantIdsAddRemoveIsMember(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	ok, err := r.IsRelevant(ctx, "sub-1", "row-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.AddRelevant(ctx, "sub-1", "row-1"))
	ok, err = r.IsRelevant(ctx, "sub-1", "row-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.RemoveRelevant(ctx, "sub-1", "row-1"))
	ok, err = r.IsRelevant(ctx, "sub-1", "row-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextEventSeqIsMonotonicPerSubscription(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	s1, err := r.NextEventSeq(ctx, "sub-1")
	require.NoError(t, err)
	s2, err := r.NextEventSeq(ctx, "sub-1")
	require.NoError(t, err)
	otherSub, err := r.NextEventSeq(ctx, "sub-2")
	require.NoError(t, err)

	assert.Equal(t, int64(1), s1)
	assert.Equal(t, int64(2), s2)
	assert.Equal(t, int64(1), otherSub, "each subscription has its own independent sequence")
}

func TestSaveUpdatesExistingRecord(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	sub := Subscription{ID: "sub-1", Resource: "widgets", LastSeq: 1}
	require.NoError(t, r.Create(ctx, sub))

	sub.LastSeq = 42
	require.NoError(t, r.Save(ctx, sub))

	got, ok, err := r.Get(ctx, "sub-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.LastSeq)
}
