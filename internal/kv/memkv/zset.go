package memkv

// zset is a mutex-guarded, score-sorted slice backing the in-memory
// store's sorted sets (changelog sequence index, per-subscription relevant
// IDs, auth token expiries). memkv is single-process, so the ordered
// structure only needs to serialize against concurrent goroutines, not
// provide lock-free traversal: a plain slice kept sorted by (score, member)
// via sort.Search matches the mutex+map/slice shape every other field on
// Store (strs/sets/hashes) already uses, rather than a separate lock-free
// container with its own invariants.
import (
	"sort"
	"sync"
)

type zmember struct {
	score  float64
	member string
}

func zmemberLess(a, b zmember) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.member < b.member
}

type zset struct {
	mu      sync.Mutex
	members []zmember
}

func newZSet() *zset {
	return &zset{}
}

// indexOf returns the position of member in the sorted slice, or -1.
func (z *zset) indexOf(member string) int {
	for i, m := range z.members {
		if m.member == member {
			return i
		}
	}
	return -1
}

func (z *zset) removeAt(i int) {
	z.members = append(z.members[:i], z.members[i+1:]...)
}

// Add inserts or repositions member at score, keeping members sorted.
func (z *zset) Add(score float64, member string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if i := z.indexOf(member); i != -1 {
		z.removeAt(i)
	}
	entry := zmember{score: score, member: member}
	i := sort.Search(len(z.members), func(i int) bool { return !zmemberLess(z.members[i], entry) })
	z.members = append(z.members, zmember{})
	copy(z.members[i+1:], z.members[i:])
	z.members[i] = entry
}

// Remove drops member if present.
func (z *zset) Remove(member string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if i := z.indexOf(member); i != -1 {
		z.removeAt(i)
	}
}

func (z *zset) Card() int64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return int64(len(z.members))
}

// All returns a snapshot of the members in sorted order.
func (z *zset) All() []zmember {
	z.mu.Lock()
	defer z.mu.Unlock()
	out := make([]zmember, len(z.members))
	copy(out, z.members)
	return out
}

// RangeByScore returns members with min <= score <= max, in sorted order.
func (z *zset) RangeByScore(min, max float64) []string {
	all := z.All()
	lo := sort.Search(len(all), func(i int) bool { return all[i].score >= min })
	out := []string{}
	for _, m := range all[lo:] {
		if m.score > max {
			break
		}
		out = append(out, m.member)
	}
	return out
}

// Range returns members at [start,stop] by rank, supporting negative
// indices counted from the end (Redis ZRANGE semantics).
func (z *zset) Range(start, stop int64) []string {
	all := z.All()
	n := int64(len(all))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}
	}
	out := make([]string, 0, stop-start+1)
	for _, m := range all[start : stop+1] {
		out = append(out, m.member)
	}
	return out
}
