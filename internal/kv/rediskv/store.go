// Package rediskv implements the kv.Store interface on top of Redis via
// github.com/redis/go-redis/v9. Redis's native command surface
// (SADD/ZADD/HSET/PUBLISH...) is a near-exact match for spec.md §6's
// required KV/pub-sub operation list, so this adapter is mostly a thin
// pass-through.
package rediskv

import (
	"context"
	"errors"
	"strconv"

	"github.com/owldb-live/resourcedb/internal/kv"
	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client. Callers construct the client (DSN,
// TLS, pool sizing) themselves, matching how OwlDB's main.go constructs
// its own collaborators and hands them to constructors.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

var _ kv.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, val string) error {
	return s.rdb.Set(ctx, key, val, 0).Err()
}

func (s *Store) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, key, member).Result()
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
}

func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *Store) HSet(ctx context.Context, key, field, val string) error {
	return s.rdb.HSet(ctx, key, field, val).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	return s.rdb.HDel(ctx, key, field).Err()
}

func (s *Store) Publish(ctx context.Context, channel, msg string) error {
	return s.rdb.Publish(ctx, channel, msg).Err()
}

func (s *Store) Subscribe(ctx context.Context, channel string, handler func(msg string)) (func(), error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	ch := pubsub.Channel()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			case <-done:
				return
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		pubsub.Close()
	}
	return unsubscribe, nil
}
