package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKey = "supervisor:state"
	queueKey = "tasks"
)

// RedisStore implements Store against three logical Redis databases, matching
// the external interface contract: state in DB0, breaker entries in DB1,
// the task queue in DB2.
type RedisStore struct {
	state   *redis.Client
	breaker *redis.Client
	queue   *redis.Client
}

// NewRedisStore dials three *redis.Client handles against the same address,
// selecting DB indices per the state/breaker/queue split.
func NewRedisStore(addr, password string, stateDB, breakerDB, queueDB int) *RedisStore {
	mk := func(db int) *redis.Client {
		return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	}
	return &RedisStore{
		state:   mk(stateDB),
		breaker: mk(breakerDB),
		queue:   mk(queueDB),
	}
}

func (s *RedisStore) GetState(ctx context.Context) ([]byte, error) {
	v, err := s.state.Get(ctx, stateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *RedisStore) SetState(ctx context.Context, data []byte) error {
	return s.state.Set(ctx, stateKey, data, 0).Err()
}

func (s *RedisStore) Enqueue(ctx context.Context, data []byte) error {
	return s.queue.RPush(ctx, queueKey, data).Err()
}

func (s *RedisStore) Dequeue(ctx context.Context) ([]byte, error) {
	v, err := s.queue.LPop(ctx, queueKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *RedisStore) QueueLen(ctx context.Context) (int64, error) {
	return s.queue.LLen(ctx, queueKey).Result()
}

func (s *RedisStore) QueueSnapshot(ctx context.Context, limit int64) ([][]byte, error) {
	vals, err := s.queue.LRange(ctx, queueKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) BreakerGet(ctx context.Context, provider string) ([]byte, error) {
	v, err := s.breaker.Get(ctx, breakerKey(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *RedisStore) BreakerSet(ctx context.Context, provider string, data []byte, ttl time.Duration) error {
	return s.breaker.Set(ctx, breakerKey(provider), data, ttl).Err()
}

func (s *RedisStore) Close() error {
	for _, c := range []*redis.Client{s.state, s.breaker, s.queue} {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

func breakerKey(provider string) string {
	return "circuit:" + provider
}
