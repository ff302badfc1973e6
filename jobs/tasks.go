package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAssignmentSweep flips is_active on long-expired assignments.
	TaskAssignmentSweep = "rbac:assignment_sweep"
	// TaskCacheWarmup pre-resolves permission sets for active users.
	TaskCacheWarmup = "rbac:cache_warmup"
)

// AssignmentSweepPayload configures a sweep run.
type AssignmentSweepPayload struct {
	DryRun bool `json:"dry_run"`
}

// NewAssignmentSweepTask constructs an Asynq task for the sweep.
func NewAssignmentSweepTask(dryRun bool) (*asynq.Task, error) {
	data, err := json.Marshal(AssignmentSweepPayload{DryRun: dryRun})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssignmentSweep, data), nil
}

// CacheWarmupPayload bounds a warmup run.
type CacheWarmupPayload struct {
	MaxUsers int `json:"max_users"`
}

// NewCacheWarmupTask constructs an Asynq task for cache warmup.
func NewCacheWarmupTask(maxUsers int) (*asynq.Task, error) {
	data, err := json.Marshal(CacheWarmupPayload{MaxUsers: maxUsers})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheWarmup, data), nil
}
