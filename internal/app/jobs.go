/**
 * @description
 * Scheduled job implementations for the lifecycle scheduler.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hostpanel/lifecycle-service/internal/domain"
)

// TriggerRunner is satisfied by *Trigger.
type TriggerRunner interface {
	RunOnce(ctx context.Context, now time.Time) (domain.PassSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	trigger TriggerRunner
	logger  *slog.Logger
	now     func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(trigger TriggerRunner, logger *slog.Logger) *Jobs {
	return &Jobs{
		trigger: trigger,
		logger:  logger,
		now:     time.Now,
	}
}

// ReconcileLifecycle runs one reconciliation pass through the shared trigger.
func (j *Jobs) ReconcileLifecycle() {
	j.logger.Info("starting lifecycle reconciliation job")

	summary, err := j.trigger.RunOnce(context.Background(), j.now())
	if errors.Is(err, ErrSkipped) {
		j.logger.Info("lifecycle reconciliation job skipped; previous pass still running")
		return
	}
	if err != nil {
		j.logger.Error("lifecycle reconciliation job failed", "error", err)
		return
	}

	j.logger.Info("lifecycle reconciliation job finished",
		"run_id", summary.RunID,
		"backfilled", summary.Backfill.Mutated,
		"billed", summary.Billing.Mutated,
		"suspended", summary.Suspend.Mutated,
		"deleted", summary.Delete.Mutated,
		"failed", summary.Failed(),
		"interrupted", summary.Interrupted,
	)
}
