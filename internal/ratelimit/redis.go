package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps windows in Redis sorted sets (score = unix millis), so
// multiple bot processes share one allowance. Entries expire with the
// window so idle actors cost nothing.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	seq    atomic.Uint64
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "rolewarden:rate"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) key(key string) string { return s.prefix + ":" + key }

func (s *RedisStore) Add(ctx context.Context, key string, at time.Time, window time.Duration) error {
	// Member must be unique per attempt; nano timestamp alone can collide
	// under concurrent Record calls.
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	k := s.key(key)
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	if window > 0 {
		pipe.Expire(ctx, k, window+time.Minute)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Window(ctx context.Context, key string, cutoff time.Time) (int, time.Time, error) {
	k := s.key(key)
	cutoffMs := strconv.FormatInt(cutoff.UnixMilli(), 10)

	pipe := s.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", "("+cutoffMs)
	card := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	n := int(card.Val())
	if n == 0 {
		return 0, time.Time{}, nil
	}
	var first time.Time
	if zs := oldest.Val(); len(zs) > 0 {
		first = time.UnixMilli(int64(zs[0].Score))
	}
	return n, first, nil
}
