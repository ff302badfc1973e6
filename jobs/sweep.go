package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// AssignmentSweeper deactivates assignments whose expiry has passed.
type AssignmentSweeper interface {
	SweepExpiredAssignments(ctx context.Context) (int64, error)
}

// AssignmentSweepJob is a hygiene pass only. Expiry is enforced at read
// time by the resolver; this job merely keeps the table tidy, so a missed
// run never widens anyone's access.
type AssignmentSweepJob struct {
	store  AssignmentSweeper
	logger *slog.Logger
}

// NewAssignmentSweepJob constructs the job.
func NewAssignmentSweepJob(store AssignmentSweeper, logger *slog.Logger) *AssignmentSweepJob {
	return &AssignmentSweepJob{store: store, logger: logger}
}

// Handle processes TaskAssignmentSweep tasks.
func (j *AssignmentSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AssignmentSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.DryRun {
		return nil
	}
	swept, err := j.store.SweepExpiredAssignments(ctx)
	if err != nil {
		return err
	}
	if j.logger != nil && swept > 0 {
		j.logger.Info("assignment sweep", slog.Int64("deactivated", swept))
	}
	return nil
}
