// Package cache stores computed dashboard responses. Work-item writes bump a
// generation counter so stale entries are never read after a mutation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"worktrack/internal/domain"
)

// Dashboard is the cache consulted before computing a dashboard.
type Dashboard interface {
	// Get decodes a cached entry into dst and reports whether one was found.
	// The returned slot pins the generation seen by the lookup; a value
	// computed after a miss must be stored with Set under that slot.
	Get(ctx context.Context, key string, dst any) (slot string, found bool, err error)
	Set(ctx context.Context, slot string, val any) error
	// Invalidate drops every cached dashboard.
	Invalidate(ctx context.Context) error
}

// Key identifies a dashboard by viewer and window. Two identities with the
// same id, role and department see the same dashboard.
func Key(id domain.Identity, monthsBack, recent int) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s:%d:%d", id.ID(), id.Role(), domain.DepartmentOf(id), monthsBack, recent)
}

type Noop struct{}

func (Noop) Get(_ context.Context, key string, _ any) (string, bool, error) { return key, false, nil }
func (Noop) Set(context.Context, string, any) error                         { return nil }
func (Noop) Invalidate(context.Context) error                               { return nil }

const (
	prefix  = "worktrack:dashboard:"
	genKey  = prefix + "gen"
	defTTL  = 30 * time.Second
	timeout = 5 * time.Second
)

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr, which may be a host:port or a redis:// URL.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) generation(ctx context.Context) (int64, error) {
	gen, err := r.client.Get(ctx, genKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *Redis) key(ctx context.Context, key string) (string, error) {
	gen, err := r.generation(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d:%s", prefix, gen, key), nil
}

func (r *Redis) Get(ctx context.Context, key string, dst any) (string, bool, error) {
	slot, err := r.key(ctx, key)
	if err != nil {
		return "", false, err
	}
	raw, err := r.client.Get(ctx, slot).Bytes()
	if errors.Is(err, redis.Nil) {
		return slot, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return slot, false, fmt.Errorf("decode cached dashboard: %w", err)
	}
	return slot, true, nil
}

// Set stores val under a slot returned by Get. If the generation moved on
// since that lookup the entry lands in a retired generation and is never read.
func (r *Redis) Set(ctx context.Context, slot string, val any) error {
	if !strings.HasPrefix(slot, prefix) {
		return fmt.Errorf("cache slot %q was not issued by Get", slot)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, slot, raw, r.ttl).Err()
}

// Invalidate advances the generation; old entries expire on their own TTL.
func (r *Redis) Invalidate(ctx context.Context) error {
	return r.client.Incr(ctx, genKey).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
