package changelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owldb-live/resourcedb/internal/kv/memkv"
	"github.com/owldb-live/resourcedb/internal/value"
)

func newTestChangelog(retention int64) *Changelog {
	store := memkv.New()
	tick := int64(0)
	return New(store, retention, func() int64 {
		tick++
		return tick
	})
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(10000)

	seq1, err := c.Append(ctx, Partial{Resource: "widgets", Kind: KindCreate, ObjectID: "1"})
	require.NoError(t, err)
	seq2, err := c.Append(ctx, Partial{Resource: "widgets", Kind: KindUpdate, ObjectID: "1"})
	require.NoError(t, err)
	seq3, err := c.Append(ctx, Partial{Resource: "gadgets", Kind: KindCreate, ObjectID: "2"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
	assert.Equal(t, int64(3), seq3)

	cur, err := c.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)
}

func TestRangeOrderingAndExclusivity(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(10000)

	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, Partial{Resource: "widgets", Kind: KindUpdate, ObjectID: "1"})
		require.NoError(t, err)
	}

	entries, err := c.Range(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{3, 4, 5}, seqsOf(entries))

	entries, err = c.Range(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)

	entries, err = c.Range(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRangeForResourceIsolatesEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(10000)

	_, err := c.Append(ctx, Partial{Resource: "widgets", Kind: KindCreate, ObjectID: "1"})
	require.NoError(t, err)
	_, err = c.Append(ctx, Partial{Resource: "gadgets", Kind: KindCreate, ObjectID: "2"})
	require.NoError(t, err)
	_, err = c.Append(ctx, Partial{Resource: "widgets", Kind: KindUpdate, ObjectID: "1"})
	require.NoError(t, err)

	widgetEntries, err := c.RangeForResource(ctx, "widgets", 0)
	require.NoError(t, err)
	require.Len(t, widgetEntries, 2)
	assert.Equal(t, []int64{1, 3}, seqsOf(widgetEntries))

	merged, err := c.RangeForResources(ctx, []string{"widgets", "gadgets"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqsOf(merged))
}

func TestAppendStoresBeforeAndAfterImages(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(10000)

	before := value.Record{"count": value.Number(1)}
	after := value.Record{"count": value.Number(2)}
	seq, err := c.Append(ctx, Partial{
		Resource: "widgets", Kind: KindUpdate, ObjectID: "1", Before: before, After: after,
	})
	require.NoError(t, err)

	entries, err := c.Range(ctx, seq-1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	gotAfter := entries[0].AfterRecord()
	gotBefore := entries[0].BeforeRecord()
	assert.Equal(t, float64(2), gotAfter["count"].NumberVal())
	assert.Equal(t, float64(1), gotBefore["count"].NumberVal())
}

func TestRetentionTrimsOldestEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(3)

	var lastSeq int64
	for i := 0; i < 10; i++ {
		seq, err := c.Append(ctx, Partial{Resource: "widgets", Kind: KindUpdate, ObjectID: "1"})
		require.NoError(t, err)
		lastSeq = seq
	}

	entries, err := c.Range(ctx, 0)
	require.NoError(t, err)
	// retention trimming keeps exactly the newest `retention` entries,
	// seq in (currentSeq-retention, currentSeq]
	assert.Len(t, entries, 3)
	assert.Equal(t, []int64{lastSeq - 2, lastSeq - 1, lastSeq}, seqsOf(entries))
}

func TestNeedsInvalidationReflectsRetentionFloor(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(3)

	for i := 0; i < 10; i++ {
		_, err := c.Append(ctx, Partial{Resource: "widgets", Kind: KindUpdate, ObjectID: "1"})
		require.NoError(t, err)
	}

	cur, err := c.CurrentSeq(ctx)
	require.NoError(t, err)

	needsInvalidation, err := c.NeedsInvalidation(ctx, 0)
	require.NoError(t, err)
	assert.False(t, needsInvalidation, "sinceSeq<=0 never triggers invalidation")

	needsInvalidation, err = c.NeedsInvalidation(ctx, cur-1)
	require.NoError(t, err)
	assert.False(t, needsInvalidation, "sinceSeq still within the retained window")

	needsInvalidation, err = c.NeedsInvalidation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, needsInvalidation, "sinceSeq older than the retention floor must invalidate")
}

func TestEmptyChangelogNeverInvalidatesNonPositiveSeq(t *testing.T) {
	ctx := context.Background()
	c := newTestChangelog(10000)

	needsInvalidation, err := c.NeedsInvalidation(ctx, 0)
	require.NoError(t, err)
	assert.False(t, needsInvalidation)

	cur, err := c.CurrentSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur)
}

func seqsOf(entries []Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}
