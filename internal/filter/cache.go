package filter

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Compiled bundles a parsed tree with the raw expression it was compiled
// from, so callers can re-derive a normalised expression string for
// batch-confirm-token comparisons.
type Compiled struct {
	Expr string
	Tree *Node
}

// Cache holds per-resource LRU caches of parsed filter trees, per §4.A
// "Caching. Parsed trees are cached by expression text within a resource;
// cache is per-resource and bounded by LRU."
type Cache struct {
	mu        sync.Mutex
	perRes    map[string]*lru.Cache[string, *Node]
	size      int
	limits    Limits
}

// NewCache creates a Cache whose per-resource LRUs each hold up to size
// entries.
func NewCache(size int, limits Limits) *Cache {
	return &Cache{perRes: make(map[string]*lru.Cache[string, *Node]), size: size, limits: limits}
}

// Get parses src for the given resource and field policy, serving from
// the per-resource LRU cache when the expression text has been seen
// before.
func (c *Cache) Get(resource, src string, policy *FieldPolicy) (*Node, error) {
	c.mu.Lock()
	l, ok := c.perRes[resource]
	if !ok {
		l, _ = lru.New[string, *Node](c.size)
		c.perRes[resource] = l
	}
	if tree, found := l.Get(src); found {
		c.mu.Unlock()
		return tree, nil
	}
	c.mu.Unlock()

	tree, err := Parse(src, c.limits, policy)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	l.Add(src, tree)
	c.mu.Unlock()
	return tree, nil
}
