// Package kv defines the key-value/pub-sub substrate consumed by the
// engine (spec.md §6): strings with atomic increment, sets, sorted sets,
// hashes, and publish/subscribe. Two adapters implement it: memkv (an
// in-memory store built on mutex-guarded maps and sorted slices) and
// rediskv (backed by github.com/redis/go-redis/v9).
package kv

import "context"

// Store is the full KV/pub-sub capability the engine depends on. No
// multi-key transactions are required (spec.md §6); atomicity of each
// single op is assumed.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, val string) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, member string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Hashes
	HSet(ctx context.Context, key, field, val string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error

	// Pub/sub
	Publish(ctx context.Context, channel, msg string) error
	Subscribe(ctx context.Context, channel string, handler func(msg string)) (unsubscribe func(), err error)
}
