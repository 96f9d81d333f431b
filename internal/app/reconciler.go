/**
 * @description
 * The lifecycle reconciler. One pass runs Backfill, Bill, Suspend and Delete
 * in that fixed order. Every step re-evaluates its predicate from the store,
 * so a record that fails in one pass is simply picked up again by the next.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/cycle"
	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/hostpanel/lifecycle-service/internal/ledger"
)

const (
	defaultBatchSize           = 100
	defaultMaxChargesPerServer = 100
	defaultGracePeriod         = 72 * time.Hour

	defaultProvisioningExchange = "hosting.provisioning"
	defaultEventsExchange       = "hosting.events"

	RoutingKeyServerDelete    = "server.delete"
	RoutingKeyServerBilled    = "server.billed"
	RoutingKeyServerSuspended = "server.suspended"
	RoutingKeyServerDeleted   = "server.deleted"

	deleteReasonGraceElapsed = "grace_period_elapsed"
)

// ErrStoreUnreachable is returned when a pass cannot start because the store is down.
var ErrStoreUnreachable = errors.New("store unreachable; pass not started")

// ServerRepository is the slice of the store the reconciler drives.
type ServerRepository interface {
	Ping(ctx context.Context) error
	ListServersMissingExpiry(ctx context.Context, after uuid.UUID, limit int) ([]domain.ManagedServer, error)
	SetServerExpiryIfMissing(ctx context.Context, serverID uuid.UUID, expiry time.Time) (bool, error)
	ListDueServers(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error)
	AdvanceServerExpiry(ctx context.Context, advance domain.ExpiryAdvance) error
	SuspendServer(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error)
	ListServersPastGrace(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error)
	MarkServerPendingDeletion(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error)
	MarkServerDeleted(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error)
}

// Biller posts billing charges to the ledger.
type Biller interface {
	Post(ctx context.Context, req ledger.PostRequest) (domain.LedgerEntry, error)
}

// Publisher sends commands and events to the message broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Options tunes a Reconciler. Zero values fall back to defaults.
type Options struct {
	BackfillBatchSize    int
	BillingBatchSize     int
	DeleteBatchSize      int
	MaxChargesPerServer  int
	GracePeriod          time.Duration
	ProvisioningExchange string
	EventsExchange       string
	Logger               *slog.Logger
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	repo      ServerRepository
	biller    Biller
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. publisher must deliver deletion commands
// reliably; lifecycle events published through it are best-effort.
func NewReconciler(repo ServerRepository, biller Biller, publisher Publisher, opts Options) *Reconciler {
	if opts.BackfillBatchSize <= 0 {
		opts.BackfillBatchSize = defaultBatchSize
	}
	if opts.BillingBatchSize <= 0 {
		opts.BillingBatchSize = defaultBatchSize
	}
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = defaultBatchSize
	}
	if opts.MaxChargesPerServer <= 0 {
		opts.MaxChargesPerServer = defaultMaxChargesPerServer
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.ProvisioningExchange == "" {
		opts.ProvisioningExchange = defaultProvisioningExchange
	}
	if opts.EventsExchange == "" {
		opts.EventsExchange = defaultEventsExchange
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:      repo,
		biller:    biller,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

// passState carries what one pass has learned so far.
type passState struct {
	summary *domain.PassSummary
	// Servers the charge cap left due. They are caught up next pass, not suspended.
	capped map[uuid.UUID]struct{}
}

// RunPass executes one full pass at now. Per-server failures are counted in
// the summary. A pass that cannot start returns an error; a pass cut short
// after it has started returns its partial summary marked Interrupted.
func (r *Reconciler) RunPass(ctx context.Context, now time.Time) (domain.PassSummary, error) {
	// Postgres keeps microseconds; conditional updates compare exact instants.
	now = now.UTC().Truncate(time.Microsecond)
	summary := domain.PassSummary{RunID: uuid.New(), StartedAt: now}
	logger := r.logger.With("run_id", summary.RunID)

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("pass not started: %w", err)
	}
	if err := r.repo.Ping(ctx); err != nil {
		logger.Error("store ping failed; skipping pass", "error", err)
		return summary, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	logger.Info("starting lifecycle reconciliation pass", "now", now)

	st := &passState{summary: &summary, capped: make(map[uuid.UUID]struct{})}
	phases := []struct {
		name string
		run  func(context.Context, *slog.Logger, time.Time, *passState)
	}{
		{name: "backfill", run: r.backfill},
		{name: "bill", run: r.bill},
		{name: "suspend", run: r.suspend},
		{name: "delete", run: r.deleteAfterGrace},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			summary.Interrupted = true
			logger.Warn("pass interrupted", "before_phase", phase.name, "error", err)
			break
		}
		phase.run(ctx, logger.With("phase", phase.name), now, st)
	}

	summary.FinishedAt = time.Now().UTC()
	if !summary.Interrupted && ctx.Err() != nil {
		summary.Interrupted = true
		logger.Warn("pass interrupted during delete phase", "error", ctx.Err())
	}
	logger.Info("lifecycle reconciliation pass finished",
		"backfilled", summary.Backfill.Mutated,
		"billed", summary.Billing.Mutated,
		"charges", summary.Charges,
		"deferred", summary.Deferred,
		"suspended", summary.Suspend.Mutated,
		"deleted", summary.Delete.Mutated,
		"failed", summary.Failed(),
		"interrupted", summary.Interrupted,
	)
	return summary, nil
}

// backfill gives up to one batch of servers their first expiry. Servers that
// cannot be backfilled are paged past so they never block the ones behind them.
func (r *Reconciler) backfill(ctx context.Context, logger *slog.Logger, now time.Time, st *passState) {
	summary := st.summary
	after := uuid.Nil
	for summary.Backfill.Mutated < r.opts.BackfillBatchSize {
		limit := r.opts.BackfillBatchSize - summary.Backfill.Mutated
		servers, err := r.repo.ListServersMissingExpiry(ctx, after, limit)
		if err != nil {
			logger.Error("failed to list servers missing expiry", "error", err)
			summary.Backfill.Failed++
			return
		}

		for _, server := range servers {
			if ctx.Err() != nil {
				return
			}
			summary.Backfill.Processed++

			expiry, err := cycle.AddCycle(now, server.BillingCycle)
			if err != nil {
				logger.Error("cannot backfill expiry", "server_id", server.ID, "billing_cycle", server.BillingCycle, "error", err)
				summary.Backfill.Failed++
				continue
			}

			set, err := r.repo.SetServerExpiryIfMissing(ctx, server.ID, expiry)
			if err != nil {
				logger.Error("failed to backfill expiry", "server_id", server.ID, "error", err)
				summary.Backfill.Failed++
				continue
			}
			if set {
				summary.Backfill.Mutated++
				logger.Info("backfilled server expiry", "server_id", server.ID, "expiry_at", expiry)
			}
		}
		if len(servers) < limit {
			return
		}
		after = servers[len(servers)-1].ID
	}
}

// bill charges every due server for each cycle that has elapsed.
func (r *Reconciler) bill(ctx context.Context, logger *slog.Logger, now time.Time, st *passState) {
	summary := st.summary
	r.eachDue(ctx, logger, now, &summary.Billing, func(server domain.ManagedServer) {
		summary.Billing.Processed++
		charges, capped, err := r.chargeServer(ctx, logger, summary.RunID, server, now)
		summary.Charges += charges
		if charges > 0 {
			summary.Billing.Mutated++
		}
		if capped {
			st.capped[server.ID] = struct{}{}
			summary.Deferred++
		}
		if err != nil {
			summary.Billing.Failed++
		}
	})
}

// chargeServer walks a server's expiry forward one cycle per charge until it
// is no longer due, funds run out, or the per-pass cap is hit. capped reports
// that the cap stopped it while the owner could still pay.
func (r *Reconciler) chargeServer(ctx context.Context, logger *slog.Logger, runID uuid.UUID, server domain.ManagedServer, now time.Time) (int, bool, error) {
	span, err := cycle.Duration(server.BillingCycle)
	if err != nil {
		logger.Error("cannot bill server with invalid cycle", "server_id", server.ID, "billing_cycle", server.BillingCycle, "error", err)
		return 0, false, err
	}

	if server.ExpiryAt == nil {
		return 0, false, nil
	}
	expiry := *server.ExpiryAt
	charges := 0
	for charges < r.opts.MaxChargesPerServer && !expiry.After(now) {
		if err := ctx.Err(); err != nil {
			return charges, false, err
		}
		advance := domain.ExpiryAdvance{ServerID: server.ID, From: expiry, To: expiry.Add(span)}

		if server.PricePerCycle == 0 {
			err = r.repo.AdvanceServerExpiry(ctx, advance)
		} else {
			_, err = r.biller.Post(ctx, billingRequest(server, advance))
		}

		switch {
		case err == nil:
			charges++
			expiry = advance.To
			logger.Info("billed server cycle", "server_id", server.ID, "user_id", server.OwnerUserID,
				"amount", server.PricePerCycle, "expiry_at", expiry)
			r.publishEvent(ctx, logger, RoutingKeyServerBilled, domain.LifecycleEvent{
				ServerID:    server.ID,
				OwnerUserID: server.OwnerUserID,
				Status:      domain.ServerStatusActive,
				ExpiryAt:    &advance.To,
				Amount:      server.PricePerCycle,
				RunID:       runID,
				Timestamp:   now,
			})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			logger.Info("insufficient funds; server left due", "server_id", server.ID, "user_id", server.OwnerUserID,
				"amount", server.PricePerCycle)
			return charges, false, nil
		case errors.Is(err, domain.ErrConflict):
			// Someone else already moved this server on.
			logger.Warn("server changed during billing; skipping", "server_id", server.ID)
			return charges, false, nil
		default:
			logger.Error("failed to bill server", "server_id", server.ID, "user_id", server.OwnerUserID, "error", err)
			return charges, false, err
		}
	}

	if !expiry.After(now) {
		logger.Warn("server still due after charge cap; catching up next pass", "server_id", server.ID, "charges", charges, "expiry_at", expiry)
		return charges, true, nil
	}
	return charges, false, nil
}

func billingRequest(server domain.ManagedServer, advance domain.ExpiryAdvance) ledger.PostRequest {
	reference := server.ID.String()
	message := fmt.Sprintf("Billing cycle %s for server %s (%s to %s)",
		server.BillingCycle, server.ID, advance.From.Format(time.RFC3339), advance.To.Format(time.RFC3339))
	return ledger.PostRequest{
		UserID:      server.OwnerUserID,
		Delta:       -server.PricePerCycle,
		Category:    domain.CategoryBilling,
		Action:      domain.ActionSpend,
		ReferenceID: &reference,
		Message:     &message,
		Advance:     &advance,
	}
}

// suspend moves every server still due after billing to suspended, except
// those the charge cap deferred.
func (r *Reconciler) suspend(ctx context.Context, logger *slog.Logger, now time.Time, st *passState) {
	summary := st.summary
	r.eachDue(ctx, logger, now, &summary.Suspend, func(server domain.ManagedServer) {
		if _, ok := st.capped[server.ID]; ok {
			return
		}
		summary.Suspend.Processed++

		suspended, err := r.repo.SuspendServer(ctx, server.ID, now)
		if err != nil {
			logger.Error("failed to suspend server", "server_id", server.ID, "error", err)
			summary.Suspend.Failed++
			return
		}
		if !suspended {
			return
		}
		summary.Suspend.Mutated++
		logger.Info("suspended server", "server_id", server.ID, "user_id", server.OwnerUserID)
		r.publishEvent(ctx, logger, RoutingKeyServerSuspended, domain.LifecycleEvent{
			ServerID:    server.ID,
			OwnerUserID: server.OwnerUserID,
			Status:      domain.ServerStatusSuspended,
			ExpiryAt:    server.ExpiryAt,
			RunID:       summary.RunID,
			Timestamp:   now,
		})
	})
}

// eachDue pages through due servers by id so every due server is visited
// once, however many there are.
func (r *Reconciler) eachDue(ctx context.Context, logger *slog.Logger, now time.Time, result *domain.PhaseResult, visit func(domain.ManagedServer)) {
	after := uuid.Nil
	for {
		servers, err := r.repo.ListDueServers(ctx, now, after, r.opts.BillingBatchSize)
		if err != nil {
			logger.Error("failed to list due servers", "error", err)
			result.Failed++
			return
		}
		for _, server := range servers {
			if ctx.Err() != nil {
				return
			}
			visit(server)
		}
		if len(servers) < r.opts.BillingBatchSize {
			return
		}
		after = servers[len(servers)-1].ID
	}
}

// deleteAfterGrace requests deletion for servers suspended longer than the
// grace period and confirms them once provisioning has the command.
func (r *Reconciler) deleteAfterGrace(ctx context.Context, logger *slog.Logger, now time.Time, st *passState) {
	summary := st.summary
	cutoff := now.Add(-r.opts.GracePeriod)
	after := uuid.Nil
	for {
		servers, err := r.repo.ListServersPastGrace(ctx, cutoff, after, r.opts.DeleteBatchSize)
		if err != nil {
			logger.Error("failed to list servers past grace", "error", err)
			summary.Delete.Failed++
			return
		}
		for _, server := range servers {
			if ctx.Err() != nil {
				return
			}
			summary.Delete.Processed++
			deleted, err := r.deleteServer(ctx, logger, summary.RunID, server, now)
			if err != nil {
				summary.Delete.Failed++
				continue
			}
			if deleted {
				summary.Delete.Mutated++
			}
		}
		if len(servers) < r.opts.DeleteBatchSize {
			return
		}
		after = servers[len(servers)-1].ID
	}
}

func (r *Reconciler) deleteServer(ctx context.Context, logger *slog.Logger, runID uuid.UUID, server domain.ManagedServer, now time.Time) (bool, error) {
	requestedAt := now
	if server.Status == domain.ServerStatusSuspended {
		marked, err := r.repo.MarkServerPendingDeletion(ctx, server.ID, now)
		if err != nil {
			logger.Error("failed to mark server pending deletion", "server_id", server.ID, "error", err)
			return false, err
		}
		if !marked {
			logger.Warn("server left suspended state before deletion; skipping", "server_id", server.ID)
			return false, nil
		}
	} else if server.DeletionRequestedAt != nil {
		requestedAt = *server.DeletionRequestedAt
	}

	cmd := domain.DeleteServerCommand{
		ServerID:    server.ID,
		OwnerUserID: server.OwnerUserID,
		RequestedAt: requestedAt,
		Reason:      deleteReasonGraceElapsed,
	}
	if err := r.publisher.Publish(ctx, r.opts.ProvisioningExchange, RoutingKeyServerDelete, cmd); err != nil {
		logger.Error("failed to send delete command; server stays pending deletion", "server_id", server.ID, "error", err)
		return false, err
	}

	deleted, err := r.repo.MarkServerDeleted(ctx, server.ID, now)
	if err != nil {
		logger.Error("failed to mark server deleted", "server_id", server.ID, "error", err)
		return false, err
	}
	if !deleted {
		return false, nil
	}

	logger.Info("deleted server", "server_id", server.ID, "user_id", server.OwnerUserID)
	r.publishEvent(ctx, logger, RoutingKeyServerDeleted, domain.LifecycleEvent{
		ServerID:    server.ID,
		OwnerUserID: server.OwnerUserID,
		Status:      domain.ServerStatusDeleted,
		RunID:       runID,
		Timestamp:   now,
	})
	return true, nil
}

func (r *Reconciler) publishEvent(ctx context.Context, logger *slog.Logger, routingKey string, event domain.LifecycleEvent) {
	if err := r.publisher.Publish(ctx, r.opts.EventsExchange, routingKey, event); err != nil {
		logger.Warn("failed to publish lifecycle event", "routing_key", routingKey, "server_id", event.ServerID, "error", err)
	}
}
