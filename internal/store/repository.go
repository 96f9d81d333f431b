/**
 * @description
 * Shared contracts for the persistence layer. Both the PostgreSQL repository
 * and the in-memory repository satisfy Repository, so the reconciler, the
 * ledger and the HTTP layer never depend on a concrete store.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/domain"
)

// ErrBalanceOverflow is returned when a posting would overflow the balance column.
var ErrBalanceOverflow = errors.New("balance overflow")

// Repository is the full set of operations the lifecycle engine needs.
type Repository interface {
	Ping(ctx context.Context) error

	// Server lifecycle methods
	GetServer(ctx context.Context, serverID uuid.UUID) (domain.ManagedServer, error)
	ListServersMissingExpiry(ctx context.Context, after uuid.UUID, limit int) ([]domain.ManagedServer, error)
	SetServerExpiryIfMissing(ctx context.Context, serverID uuid.UUID, expiry time.Time) (bool, error)
	ListDueServers(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error)
	AdvanceServerExpiry(ctx context.Context, advance domain.ExpiryAdvance) error
	SuspendServer(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error)
	ListServersPastGrace(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error)
	MarkServerPendingDeletion(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error)
	MarkServerDeleted(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error)

	// Ledger and balance methods
	ApplyPosting(ctx context.Context, posting domain.LedgerPosting) (domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter, offset, limit int) ([]domain.LedgerEntry, error)
	ListUserLedgerEntriesAscending(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (domain.UserBalance, error)

	// Seeding methods for the account and provisioning collaborators
	CreateUserBalance(ctx context.Context, userID uuid.UUID, openingCoins int64) error
	CreateServer(ctx context.Context, server domain.ManagedServer) error
}

func nextBalance(posting domain.LedgerPosting, before int64) (int64, error) {
	after := before + posting.Delta
	if (posting.Delta > 0 && after < before) || (posting.Delta < 0 && after > before) {
		return 0, ErrBalanceOverflow
	}
	if !posting.AllowNegative && posting.Delta < 0 && after < 0 {
		return 0, domain.ErrInsufficientFunds
	}
	return after, nil
}
