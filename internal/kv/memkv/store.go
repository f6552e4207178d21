// Package memkv implements the in-memory kv.Store adapter used by every
// package's tests and as an embedded single-process deployment mode. Its
// ordered structures (sorted sets, see zset.go) and its sets, hashes, and
// strings all use straightforward mutex-guarded maps/slices, matching the
// mutex+map shape of OwlDB's auth.AuthManager.
package memkv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/owldb-live/resourcedb/internal/kv"
)

type Store struct {
	mu     sync.Mutex
	strs   map[string]string
	sets   map[string]map[string]struct{}
	hashes map[string]map[string]string
	zsets  map[string]*zset

	subMu     sync.Mutex
	subs      map[string][]*subscription
	subNextID int
}

type subscription struct {
	id      int
	channel string
	handler func(string)
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		strs:   make(map[string]string),
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]*zset),
		subs:   make(map[string][]*subscription),
	}
}

var _ kv.Store = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strs[key]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strs[key] = val
	return nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strs, key)
	delete(s.sets, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	return nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := strconv.ParseInt(s.strs[key], 10, 64)
	cur++
	s.strs[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range s.strs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *Store) zsetFor(key string) *zset {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = newZSet()
		s.zsets[key] = z
	}
	return z
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.zsetFor(key).Add(score, member)
	return nil
}

func (s *Store) ZRem(_ context.Context, key, member string) error {
	s.zsetFor(key).Remove(member)
	return nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	return s.zsetFor(key).Card(), nil
}

func (s *Store) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	return s.zsetFor(key).RangeByScore(min, max), nil
}

func (s *Store) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	return s.zsetFor(key).Range(start, stop), nil
}

func (s *Store) HSet(_ context.Context, key, field, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = val
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HDel(_ context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes[key], field)
	return nil
}

func (s *Store) Publish(_ context.Context, channel, msg string) error {
	s.subMu.Lock()
	subs := append([]*subscription(nil), s.subs[channel]...)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.handler(msg)
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channel string, handler func(string)) (func(), error) {
	s.subMu.Lock()
	s.subNextID++
	sub := &subscription{id: s.subNextID, channel: channel, handler: handler}
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[channel]
		for i, existing := range list {
			if existing.id == sub.id {
				s.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return unsubscribe, nil
}
