package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/arkeep-io/extauth/internal/repositories"
)

// ReplayGuard records flow keys that have already been redeemed. Consume
// succeeds the first time a key is seen and fails with ErrStateReplayed
// afterwards. Entries only need to live until expiresAt: past that point
// the token carrying the key is rejected as expired anyway.
type ReplayGuard interface {
	Consume(ctx context.Context, key string, expiresAt time.Time) error
}

// Replay guard backends selectable from configuration.
const (
	ReplayNone     = "none"
	ReplayMemory   = "memory"
	ReplayRedis    = "redis"
	ReplayDatabase = "database"
)

// -----------------------------------------------------------------------------
// Nop
// -----------------------------------------------------------------------------

// NopReplayGuard accepts every key. Replay protection then rests on the
// token TTL and on provider codes being single-use.
type NopReplayGuard struct{}

func (NopReplayGuard) Consume(context.Context, string, time.Time) error { return nil }

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// MemoryReplayGuard keeps consumed keys in process memory. It only protects
// a single instance.
type MemoryReplayGuard struct {
	c *gocache.Cache
}

// NewMemoryReplayGuard returns a guard whose expired entries are swept every
// cleanup interval.
func NewMemoryReplayGuard(cleanup time.Duration) *MemoryReplayGuard {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryReplayGuard{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (g *MemoryReplayGuard) Consume(_ context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return ErrStateExpired
	}
	// Add fails when a live entry exists, which makes it the test-and-set.
	if err := g.c.Add(key, struct{}{}, ttl); err != nil {
		return ErrStateReplayed
	}
	return nil
}

// Len returns the number of live entries.
func (g *MemoryReplayGuard) Len() int {
	return g.c.ItemCount()
}

// -----------------------------------------------------------------------------
// Redis
// -----------------------------------------------------------------------------

// RedisReplayGuard shares consumed keys between instances through Redis.
type RedisReplayGuard struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisReplayGuard returns a guard storing keys under prefix.
func NewRedisReplayGuard(client redis.UniversalClient, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "extauth:consumed:"
	}
	return &RedisReplayGuard{client: client, prefix: prefix}
}

func (g *RedisReplayGuard) Consume(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return ErrStateExpired
	}
	ok, err := g.client.SetNX(ctx, g.prefix+key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("state: redis consume: %w", err)
	}
	if !ok {
		return ErrStateReplayed
	}
	return nil
}

// -----------------------------------------------------------------------------
// Database
// -----------------------------------------------------------------------------

// DBReplayGuard records consumed keys in the consumed_states table. Expired
// rows are removed by the scheduler's purge job.
type DBReplayGuard struct {
	repo repositories.ConsumedStateRepository
}

func NewDBReplayGuard(repo repositories.ConsumedStateRepository) *DBReplayGuard {
	return &DBReplayGuard{repo: repo}
}

func (g *DBReplayGuard) Consume(ctx context.Context, key string, expiresAt time.Time) error {
	if !time.Now().Before(expiresAt) {
		return ErrStateExpired
	}
	err := g.repo.Insert(ctx, key, expiresAt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrConflict):
		return ErrStateReplayed
	default:
		return fmt.Errorf("state: database consume: %w", err)
	}
}
