// Package changelog implements Component B from spec.md §4.B: a bounded,
// append-only log of committed mutations keyed by a globally monotonic
// seq, built on top of the KV substrate's atomic counter and a sorted
// set keyed by seq, exactly as §4.B specifies.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/owldb-live/resourcedb/internal/kv"
	"github.com/owldb-live/resourcedb/internal/value"
)

// Kind is the closed set of mutation kinds a changelog entry records.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// WildcardObjectID marks the raw-SQL sentinel entry from §4.F ("Raw-SQL
// catch"): a mutation the pipeline could not read rows for.
const WildcardObjectID = "*"

// Entry is the immutable tuple from spec.md §3: (seq, resource, kind,
// objectId, after?, before?, timestamp).
type Entry struct {
	Seq       int64          `json:"seq"`
	Resource  string         `json:"resource"`
	Kind      Kind           `json:"kind"`
	ObjectID  string         `json:"objectId"`
	After     map[string]any `json:"after,omitempty"`
	Before    map[string]any `json:"before,omitempty"`
	Timestamp int64          `json:"timestamp"` // unix millis
}

// AfterRecord/BeforeRecord decode the JSON images back into value.Record,
// returning nil when the image is absent (pure create/delete edge).
func (e Entry) AfterRecord() value.Record {
	if e.After == nil {
		return nil
	}
	return value.RecordFromJSON(e.After)
}

func (e Entry) BeforeRecord() value.Record {
	if e.Before == nil {
		return nil
	}
	return value.RecordFromJSON(e.Before)
}

// Partial is what a caller supplies to Append; Seq and Timestamp are
// assigned by the changelog itself.
type Partial struct {
	Resource string
	Kind     Kind
	ObjectID string
	After    value.Record
	Before   value.Record
}

// Changelog is a resource-agnostic, monotonically-sequenced mutation log
// bounded by a configurable retention window.
type Changelog struct {
	store     kv.Store
	retention int64
	nowMillis func() int64
}

const (
	keyCounter = "changelog:seq"
	keyAll     = "changelog:all"
	keyEntries = "changelog:entries"
)

func resourceKey(resource string) string { return "changelog:resource:" + resource }

// New constructs a Changelog over the given KV substrate. retention is the
// number of most-recent entries kept (default 10000 per §3).
func New(store kv.Store, retention int64, nowMillis func() int64) *Changelog {
	if retention <= 0 {
		retention = 10000
	}
	return &Changelog{store: store, retention: retention, nowMillis: nowMillis}
}

// Append assigns the next seq atomically and commits one entry. Invariant
// (2) from §4.B: seq is strictly increasing, guaranteed by the KV
// substrate's atomic Incr.
func (c *Changelog) Append(ctx context.Context, p Partial) (int64, error) {
	seq, err := c.store.Incr(ctx, keyCounter)
	if err != nil {
		return 0, fmt.Errorf("changelog: assign seq: %w", err)
	}
	entry := Entry{
		Seq:       seq,
		Resource:  p.Resource,
		Kind:      p.Kind,
		ObjectID:  p.ObjectID,
		Timestamp: c.now(),
	}
	if p.After != nil {
		entry.After = p.After.ToJSON()
	}
	if p.Before != nil {
		entry.Before = p.Before.ToJSON()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("changelog: marshal entry: %w", err)
	}
	field := strconv.FormatInt(seq, 10)
	if err := c.store.HSet(ctx, keyEntries, field, string(payload)); err != nil {
		return 0, fmt.Errorf("changelog: store entry: %w", err)
	}
	if err := c.store.ZAdd(ctx, keyAll, float64(seq), field); err != nil {
		return 0, fmt.Errorf("changelog: index entry: %w", err)
	}
	if err := c.store.ZAdd(ctx, resourceKey(p.Resource), float64(seq), field); err != nil {
		return 0, fmt.Errorf("changelog: index resource entry: %w", err)
	}

	if err := c.trim(ctx, seq); err != nil {
		return seq, fmt.Errorf("changelog: trim: %w", err)
	}
	return seq, nil
}

func (c *Changelog) now() int64 {
	if c.nowMillis != nil {
		return c.nowMillis()
	}
	return 0
}

// trim removes entries with seq at or below (currentSeq - retention), so
// exactly the newest `retention` entries, seq in
// (currentSeq-retention, currentSeq], are kept.
func (c *Changelog) trim(ctx context.Context, currentSeq int64) error {
	floor := currentSeq - c.retention
	if floor <= 0 {
		return nil
	}
	members, err := c.store.ZRangeByScore(ctx, keyAll, 0, float64(floor))
	if err != nil {
		return err
	}
	for _, field := range members {
		raw, ok, err := c.store.HGet(ctx, keyEntries, field)
		if err != nil {
			return err
		}
		resource := ""
		if ok {
			var e Entry
			if json.Unmarshal([]byte(raw), &e) == nil {
				resource = e.Resource
			}
		}
		if err := c.store.ZRem(ctx, keyAll, field); err != nil {
			return err
		}
		if resource != "" {
			if err := c.store.ZRem(ctx, resourceKey(resource), field); err != nil {
				return err
			}
		}
		if err := c.store.HDel(ctx, keyEntries, field); err != nil {
			return err
		}
	}
	return nil
}

// CurrentSeq returns the most recently assigned seq, or 0 if none has
// been appended.
func (c *Changelog) CurrentSeq(ctx context.Context) (int64, error) {
	raw, ok, err := c.store.Get(ctx, keyCounter)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// MinRetainedSeq returns the oldest seq still present in the log. If the
// log is empty, it returns the theoretical retention floor so that
// needsInvalidation still behaves sanely for a freshly-created resource.
func (c *Changelog) MinRetainedSeq(ctx context.Context) (int64, error) {
	cur, err := c.CurrentSeq(ctx)
	if err != nil {
		return 0, err
	}
	floor := cur - c.retention + 1
	if floor < 1 {
		floor = 1
	}
	members, err := c.store.ZRange(ctx, keyAll, 0, 0)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return floor, nil
	}
	seq, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return 0, err
	}
	if seq > floor {
		return seq, nil
	}
	return floor, nil
}

// NeedsInvalidation implements §4.B: needsInvalidation(sinceSeq) ≡
// sinceSeq > 0 ∧ sinceSeq < minRetainedSeq().
func (c *Changelog) NeedsInvalidation(ctx context.Context, sinceSeq int64) (bool, error) {
	if sinceSeq <= 0 {
		return false, nil
	}
	min, err := c.MinRetainedSeq(ctx)
	if err != nil {
		return false, err
	}
	return sinceSeq < min, nil
}

// Range returns every entry with seq > sinceSeqExclusive, in ascending
// seq order — invariant from §5: "within a single subscription stream,
// events are delivered in... changelog seq order".
func (c *Changelog) Range(ctx context.Context, sinceSeqExclusive int64) ([]Entry, error) {
	return c.rangeFromKey(ctx, keyAll, sinceSeqExclusive)
}

// RangeForResource restricts Range to a single resource's entries.
func (c *Changelog) RangeForResource(ctx context.Context, resource string, sinceSeq int64) ([]Entry, error) {
	return c.rangeFromKey(ctx, resourceKey(resource), sinceSeq)
}

// RangeForResources merges entries across several resources into one list
// in ascending seq order.
func (c *Changelog) RangeForResources(ctx context.Context, resources []string, sinceSeq int64) ([]Entry, error) {
	var all []Entry
	for _, r := range resources {
		entries, err := c.RangeForResource(ctx, r, sinceSeq)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all, nil
}

func (c *Changelog) rangeFromKey(ctx context.Context, zkey string, sinceSeqExclusive int64) ([]Entry, error) {
	min := float64(sinceSeqExclusive + 1)
	if sinceSeqExclusive < 0 {
		min = 0
	}
	fields, err := c.store.ZRangeByScore(ctx, zkey, min, math.MaxInt64)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(fields))
	for _, field := range fields {
		raw, ok, err := c.store.HGet(ctx, keyEntries, field)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // trimmed concurrently
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("changelog: decode entry %s: %w", field, err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}
