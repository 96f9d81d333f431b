/**
 * @description
 * PostgreSQL implementation of the Repository interface. Balance changes lock
 * the user's balance row with FOR UPDATE, so concurrent postings for one user
 * serialize while different users proceed in parallel.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const serverColumns = `id, owner_user_id, name, billing_cycle, price_per_cycle, expiry_at, status,
	suspended_at, deletion_requested_at, deleted_at, created_at, updated_at`

const entryColumns = `id, user_id, delta, balance_before, balance_after, source_category,
	source_action, reference_id, message, created_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return mapError(r.db.Ping(ctx))
}

// CreateUserBalance opens a balance row. openingCoins anchors the user's ledger chain.
func (r *PostgresRepository) CreateUserBalance(ctx context.Context, userID uuid.UUID, openingCoins int64) error {
	query := `INSERT INTO user_balances (user_id, coins, opening_coins) VALUES ($1, $2, $2)`
	_, err := r.db.Exec(ctx, query, userID, openingCoins)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrConflict
	}
	return mapError(err)
}

// CreateServer inserts a managed server as provisioning would.
func (r *PostgresRepository) CreateServer(ctx context.Context, server domain.ManagedServer) error {
	if server.Status == "" {
		server.Status = domain.ServerStatusActive
	}
	query := `
		INSERT INTO managed_servers (
			id, owner_user_id, name, billing_cycle, price_per_cycle, expiry_at, status, suspended_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		server.ID,
		server.OwnerUserID,
		server.Name,
		server.BillingCycle,
		server.PricePerCycle,
		server.ExpiryAt,
		string(server.Status),
		server.SuspendedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return domain.ErrConflict
		case "23503":
			return domain.ErrUserNotFound
		}
	}
	return mapError(err)
}

func (r *PostgresRepository) GetServer(ctx context.Context, serverID uuid.UUID) (domain.ManagedServer, error) {
	query := `SELECT ` + serverColumns + ` FROM managed_servers WHERE id = $1`
	server, err := scanServer(r.db.QueryRow(ctx, query, serverID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ManagedServer{}, domain.ErrServerNotFound
		}
		return domain.ManagedServer{}, mapError(err)
	}
	return server, nil
}

// ListServersMissingExpiry returns non-terminal servers that were never given an expiry.
func (r *PostgresRepository) ListServersMissingExpiry(ctx context.Context, after uuid.UUID, limit int) ([]domain.ManagedServer, error) {
	query := `
		SELECT ` + serverColumns + `
		FROM managed_servers
		WHERE expiry_at IS NULL AND status IN ('active', 'suspended') AND id > $1
		ORDER BY id
		LIMIT $2
	`
	return r.queryServers(ctx, query, after, limit)
}

// SetServerExpiryIfMissing only writes when expiry_at is still NULL, so a
// concurrent backfill or a provisioning write is never overwritten.
func (r *PostgresRepository) SetServerExpiryIfMissing(ctx context.Context, serverID uuid.UUID, expiry time.Time) (bool, error) {
	query := `UPDATE managed_servers SET expiry_at = $1, updated_at = NOW() WHERE id = $2 AND expiry_at IS NULL`
	tag, err := r.db.Exec(ctx, query, expiry, serverID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDueServers pages through active servers whose expiry is at or before now, ordered by id.
func (r *PostgresRepository) ListDueServers(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error) {
	query := `
		SELECT ` + serverColumns + `
		FROM managed_servers
		WHERE status = 'active' AND expiry_at IS NOT NULL AND expiry_at <= $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`
	return r.queryServers(ctx, query, now, after, limit)
}

// AdvanceServerExpiry moves expiry forward without a charge. It fails with
// ErrConflict when the server is no longer active or has already moved on.
func (r *PostgresRepository) AdvanceServerExpiry(ctx context.Context, advance domain.ExpiryAdvance) error {
	return advanceExpiry(ctx, r.db, advance)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func advanceExpiry(ctx context.Context, db execer, advance domain.ExpiryAdvance) error {
	query := `
		UPDATE managed_servers
		SET expiry_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'active' AND expiry_at = $3
	`
	tag, err := db.Exec(ctx, query, advance.To, advance.ServerID, advance.From)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// SuspendServer suspends an active server that is still due at now.
func (r *PostgresRepository) SuspendServer(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE managed_servers
		SET status = 'suspended', suspended_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'active' AND expiry_at IS NOT NULL AND expiry_at <= $1
	`
	tag, err := r.db.Exec(ctx, query, now, serverID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListServersPastGrace pages through servers suspended at or before cutoff,
// plus servers whose deletion request has not been confirmed yet.
func (r *PostgresRepository) ListServersPastGrace(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error) {
	query := `
		SELECT ` + serverColumns + `
		FROM managed_servers
		WHERE (
			(status = 'suspended' AND suspended_at <= $1)
			OR status = 'pending_deletion'
		) AND id > $2
		ORDER BY id
		LIMIT $3
	`
	return r.queryServers(ctx, query, cutoff, after, limit)
}

func (r *PostgresRepository) MarkServerPendingDeletion(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE managed_servers
		SET status = 'pending_deletion', deletion_requested_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'suspended'
	`
	tag, err := r.db.Exec(ctx, query, now, serverID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) MarkServerDeleted(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE managed_servers
		SET status = 'deleted', deleted_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending_deletion'
	`
	tag, err := r.db.Exec(ctx, query, now, serverID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyPosting locks the balance row, applies the optional expiry advance and
// writes the new balance together with its ledger entry in one transaction.
func (r *PostgresRepository) ApplyPosting(ctx context.Context, posting domain.LedgerPosting) (domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.LedgerEntry{}, mapError(err)
	}
	defer tx.Rollback(ctx)

	var before int64
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err = tx.QueryRow(ctx, "SELECT coins FROM user_balances WHERE user_id = $1 FOR UPDATE", posting.UserID).Scan(&before)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.LedgerEntry{}, domain.ErrUserNotFound
		}
		return domain.LedgerEntry{}, mapError(err)
	}

	after, err := nextBalance(posting, before)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	if posting.Advance != nil {
		if err := advanceExpiry(ctx, tx, *posting.Advance); err != nil {
			return domain.LedgerEntry{}, err
		}
	}

	if _, err := tx.Exec(ctx, "UPDATE user_balances SET coins = $1, updated_at = NOW() WHERE user_id = $2", after, posting.UserID); err != nil {
		return domain.LedgerEntry{}, mapError(err)
	}

	entry := domain.LedgerEntry{
		UserID:         posting.UserID,
		Delta:          posting.Delta,
		BalanceBefore:  before,
		BalanceAfter:   after,
		SourceCategory: posting.Category,
		SourceAction:   posting.Action,
		ReferenceID:    posting.ReferenceID,
		Message:        posting.Message,
	}
	insert := `
		INSERT INTO ledger_entries (
			user_id, delta, balance_before, balance_after, source_category, source_action, reference_id, message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insert,
		entry.UserID,
		entry.Delta,
		entry.BalanceBefore,
		entry.BalanceAfter,
		string(entry.SourceCategory),
		string(entry.SourceAction),
		entry.ReferenceID,
		entry.Message,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, mapError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, mapError(err)
	}
	return entry, nil
}

// ListLedgerEntries returns filtered entries, newest first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter, offset, limit int) ([]domain.LedgerEntry, error) {
	var (
		conditions []string
		args       []any
	)
	addArg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != nil {
		conditions = append(conditions, "user_id = "+addArg(*filter.UserID))
	}
	if filter.Category != nil {
		conditions = append(conditions, "source_category = "+addArg(string(*filter.Category)))
	}
	if filter.Since != nil {
		conditions = append(conditions, "created_at >= "+addArg(*filter.Since))
	}
	if filter.Until != nil {
		conditions = append(conditions, "created_at <= "+addArg(*filter.Until))
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	query += " LIMIT " + addArg(limit) + " OFFSET " + addArg(offset)

	return r.queryEntries(ctx, query, args...)
}

// ListUserLedgerEntriesAscending returns a user's full chain in append order.
func (r *PostgresRepository) ListUserLedgerEntriesAscending(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id = $1 ORDER BY id ASC`
	return r.queryEntries(ctx, query, userID)
}

func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (domain.UserBalance, error) {
	var balance domain.UserBalance
	query := `SELECT user_id, coins, opening_coins, updated_at FROM user_balances WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&balance.UserID, &balance.Coins, &balance.OpeningCoins, &balance.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.UserBalance{}, domain.ErrUserNotFound
		}
		return domain.UserBalance{}, mapError(err)
	}
	return balance, nil
}

func (r *PostgresRepository) queryServers(ctx context.Context, query string, args ...any) ([]domain.ManagedServer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var servers []domain.ManagedServer
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, mapError(err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return servers, nil
}

func (r *PostgresRepository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			entry    domain.LedgerEntry
			category string
			action   string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.Delta,
			&entry.BalanceBefore,
			&entry.BalanceAfter,
			&category,
			&action,
			&entry.ReferenceID,
			&entry.Message,
			&entry.CreatedAt,
		); err != nil {
			return nil, mapError(err)
		}
		entry.SourceCategory = domain.SourceCategory(category)
		entry.SourceAction = domain.SourceAction(action)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

func scanServer(row pgx.Row) (domain.ManagedServer, error) {
	var (
		server domain.ManagedServer
		status string
	)
	err := row.Scan(
		&server.ID,
		&server.OwnerUserID,
		&server.Name,
		&server.BillingCycle,
		&server.PricePerCycle,
		&server.ExpiryAt,
		&status,
		&server.SuspendedAt,
		&server.DeletionRequestedAt,
		&server.DeletedAt,
		&server.CreatedAt,
		&server.UpdatedAt,
	)
	if err != nil {
		return domain.ManagedServer{}, err
	}
	server.Status = domain.ServerStatus(status)
	return server, nil
}
