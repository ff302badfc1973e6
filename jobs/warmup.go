package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/authensi/authz/internal/rbac"
)

const defaultWarmupUsers = 500

// WarmupStore lists users worth pre-resolving.
type WarmupStore interface {
	ActiveUserIDs(ctx context.Context, limit int) ([]string, error)
}

// PermissionResolver resolves and caches a user's permission set.
type PermissionResolver interface {
	GetUserPermissions(ctx context.Context, userID string) ([]rbac.Permission, error)
}

// CacheWarmupJob pre-populates the permission cache for users holding
// active assignments so the first check after an invalidation stays cheap.
type CacheWarmupJob struct {
	store    WarmupStore
	resolver PermissionResolver
	logger   *slog.Logger
}

// NewCacheWarmupJob constructs the job.
func NewCacheWarmupJob(store WarmupStore, resolver PermissionResolver, logger *slog.Logger) *CacheWarmupJob {
	return &CacheWarmupJob{store: store, resolver: resolver, logger: logger}
}

// Handle processes TaskCacheWarmup tasks.
func (j *CacheWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload CacheWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	limit := payload.MaxUsers
	if limit <= 0 {
		limit = defaultWarmupUsers
	}
	users, err := j.store.ActiveUserIDs(ctx, limit)
	if err != nil {
		return err
	}
	warmed := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := j.resolver.GetUserPermissions(ctx, userID); err != nil {
			if j.logger != nil {
				j.logger.Warn("cache warmup", slog.String("user", userID), slog.Any("error", err))
			}
			continue
		}
		warmed++
	}
	if j.logger != nil {
		j.logger.Info("cache warmup", slog.Int("users", warmed))
	}
	return nil
}
