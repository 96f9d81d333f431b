package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/hostpanel/lifecycle-service/internal/lock"
)

const releaseTimeout = 5 * time.Second

// ErrSkipped is returned when another pass already holds the lock.
var ErrSkipped = errors.New("reconciliation already in progress")

// PassRunner runs one reconciliation pass.
type PassRunner interface {
	RunPass(ctx context.Context, now time.Time) (domain.PassSummary, error)
}

// Trigger is the single-flight entry point shared by the HTTP endpoint and the cron job.
type Trigger struct {
	runner  PassRunner
	locker  lock.Locker
	timeout time.Duration
	logger  *slog.Logger
}

// NewTrigger wires a runner behind locker. A positive timeout bounds each pass.
func NewTrigger(runner PassRunner, locker lock.Locker, timeout time.Duration, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		runner:  runner,
		locker:  locker,
		timeout: timeout,
		logger:  logger,
	}
}

// RunOnce runs a pass unless one is already in flight, in which case it
// returns ErrSkipped without touching the store.
func (t *Trigger) RunOnce(ctx context.Context, now time.Time) (domain.PassSummary, error) {
	acquired, err := t.locker.TryAcquire(ctx)
	if err != nil {
		t.logger.Error("failed to acquire reconciliation lock", "error", err)
		return domain.PassSummary{}, err
	}
	if !acquired {
		t.logger.Info("reconciliation already running; skipping trigger")
		return domain.PassSummary{}, ErrSkipped
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := t.locker.Release(releaseCtx); err != nil {
			t.logger.Error("failed to release reconciliation lock", "error", err)
		}
	}()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	return t.runner.RunPass(ctx, now)
}
