package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "authz:perms:version"

// PermissionCache stores per-user permission snapshots in Redis with a TTL.
// Every failure path degrades to a cache miss so a Redis problem can never
// serve a stale or wrong decision; the engine falls back to full resolution.
type PermissionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPermissionCache constructs the cache helper. A nil client disables
// caching entirely; every Get reports a miss.
func NewPermissionCache(client *redis.Client, ttl time.Duration) *PermissionCache {
	return &PermissionCache{client: client, ttl: ttl}
}

// Get returns the cached snapshot for the user. Expired or absent entries,
// and any Redis or decode failure, report a miss.
func (c *PermissionCache) Get(ctx context.Context, userID string) ([]Permission, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	key, err := c.buildKey(ctx, userID)
	if err != nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var perms []Permission
	if err := json.Unmarshal(payload, &perms); err != nil {
		return nil, false
	}
	return perms, true
}

// Put overwrites the user's snapshot. The entry's TTL is the configured
// cache TTL capped at validUntil, the instant the earliest contributing
// assignment expires: a snapshot must never keep granting permissions past
// an expiry, since expiry happens without a mutation to invalidate on. A
// zero validUntil means no contributing assignment expires; one already in
// the past caches nothing.
func (c *PermissionCache) Put(ctx context.Context, userID string, perms []Permission, validUntil time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}
	ttl := c.ttl
	if !validUntil.IsZero() {
		remaining := time.Until(validUntil)
		if remaining <= 0 {
			return nil
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	key, err := c.buildKey(ctx, userID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// Invalidate eagerly removes the user's snapshot.
func (c *PermissionCache) Invalidate(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.buildKey(ctx, userID)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// InvalidateAll bumps the snapshot version, orphaning every cached entry at
// once. Used by role-permission and hierarchy mutations where the affected
// user set is not cheaply known; orphaned keys age out via their TTL.
func (c *PermissionCache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *PermissionCache) buildKey(ctx context.Context, userID string) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("authz:perms:%d:%s", ver, userID), nil
}

func (c *PermissionCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, cacheVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}
