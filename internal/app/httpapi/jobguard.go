package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisJobGuard enforces the single-concurrent-job rule (spec §6's 409
// response) across multiple backupd replicas using a Redis SETNX lock.
type RedisJobGuard struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisJobGuard constructs a guard backed by client. ttl bounds how long
// a lock survives a crashed holder before it self-expires.
func NewRedisJobGuard(client *redis.Client, ttl time.Duration) *RedisJobGuard {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisJobGuard{client: client, key: "netvault:backup-job:lock", ttl: ttl}
}

// TryAcquire implements JobGuard.
func (g *RedisJobGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	ok, err := g.client.SetNX(ctx, g.key, "1", g.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Best-effort: a failed delete just means the lock expires via ttl.
		_ = g.client.Del(context.Background(), g.key).Err()
	}
	return release, true, nil
}

// InProcessJobGuard enforces the same single-flight rule within a single
// backupd process, for deployments running without Redis.
type InProcessJobGuard struct {
	mu   sync.Mutex
	busy bool
}

// NewInProcessJobGuard constructs a guard with no external dependency.
func NewInProcessJobGuard() *InProcessJobGuard {
	return &InProcessJobGuard{}
}

// TryAcquire implements JobGuard.
func (g *InProcessJobGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return nil, false, nil
	}
	g.busy = true
	release := func() {
		g.mu.Lock()
		g.busy = false
		g.mu.Unlock()
	}
	return release, true, nil
}
