// Package infra provides the Redis adapter shared by notification fan-out
// (admin cohort cache), the live-session hub (cross-instance pub/sub), and the
// API rate limiter. Redis is a cache here, never a source of truth; callers
// fall back to Postgres when it is down.
package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps go-redis v9 behind the few primitives the core needs.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings; the caller decides whether a failure is fatal
// or a reason to run degraded.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// GetCohort returns a cached user-id cohort. ok=false means a miss (or any
// Redis error); the caller re-resolves from the role table.
func (r *Redis) GetCohort(ctx context.Context, key string) ([]string, bool) {
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false
	}
	return ids, true
}

// SetCohort caches a resolved cohort; errors are swallowed, the cache is
// best effort.
func (r *Redis) SetCohort(ctx context.Context, key string, ids []string, ttl time.Duration) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	r.rdb.Set(ctx, key, raw, ttl)
}

// IncrWindow bumps a fixed-window counter, setting the TTL only when the
// window is fresh. Used by the rate limiter.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

// Publish fans a live-session frame out to every API instance.
func (r *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for one channel and returns an unsubscribe
// function. Messages are delivered on a dedicated goroutine.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
