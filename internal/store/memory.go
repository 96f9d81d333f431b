/**
 * @description
 * In-memory repository used for local development without PostgreSQL and
 * throughout the test suites. Every operation runs under one mutex, so the
 * read-modify-write of a ledger posting is trivially atomic.
 */
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/domain"
)

// MemoryRepository keeps servers, balances and ledger entries in process memory.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	servers  map[uuid.UUID]domain.ManagedServer
	balances map[uuid.UUID]domain.UserBalance
	entries  []domain.LedgerEntry
	nextID   int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:      func() time.Time { return time.Now().UTC() },
		servers:  make(map[uuid.UUID]domain.ManagedServer),
		balances: make(map[uuid.UUID]domain.UserBalance),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryRepository) CreateUserBalance(ctx context.Context, userID uuid.UUID, openingCoins int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[userID]; ok {
		return domain.ErrConflict
	}
	m.balances[userID] = domain.UserBalance{
		UserID:       userID,
		Coins:        openingCoins,
		OpeningCoins: openingCoins,
		UpdatedAt:    m.now(),
	}
	return nil
}

func (m *MemoryRepository) CreateServer(ctx context.Context, server domain.ManagedServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[server.ID]; ok {
		return domain.ErrConflict
	}
	if _, ok := m.balances[server.OwnerUserID]; !ok {
		return domain.ErrUserNotFound
	}
	if server.Status == "" {
		server.Status = domain.ServerStatusActive
	}
	now := m.now()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	server.UpdatedAt = now
	m.servers[server.ID] = cloneServer(server)
	return nil
}

func (m *MemoryRepository) GetServer(ctx context.Context, serverID uuid.UUID) (domain.ManagedServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, ok := m.servers[serverID]
	if !ok {
		return domain.ManagedServer{}, domain.ErrServerNotFound
	}
	return cloneServer(server), nil
}

func (m *MemoryRepository) ListServersMissingExpiry(ctx context.Context, after uuid.UUID, limit int) ([]domain.ManagedServer, error) {
	return m.selectServers(after, limit, func(s domain.ManagedServer) bool {
		return s.ExpiryAt == nil &&
			(s.Status == domain.ServerStatusActive || s.Status == domain.ServerStatusSuspended)
	}), nil
}

func (m *MemoryRepository) SetServerExpiryIfMissing(ctx context.Context, serverID uuid.UUID, expiry time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, ok := m.servers[serverID]
	if !ok {
		return false, domain.ErrServerNotFound
	}
	if server.ExpiryAt != nil {
		return false, nil
	}
	server.ExpiryAt = timePtr(expiry)
	server.UpdatedAt = m.now()
	m.servers[serverID] = server
	return true, nil
}

func (m *MemoryRepository) ListDueServers(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error) {
	return m.selectServers(after, limit, func(s domain.ManagedServer) bool {
		return s.IsDue(now)
	}), nil
}

func (m *MemoryRepository) AdvanceServerExpiry(ctx context.Context, advance domain.ExpiryAdvance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.advanceLocked(advance)
}

func (m *MemoryRepository) advanceLocked(advance domain.ExpiryAdvance) error {
	server, ok := m.servers[advance.ServerID]
	if !ok {
		return domain.ErrServerNotFound
	}
	if server.Status != domain.ServerStatusActive || server.ExpiryAt == nil || !server.ExpiryAt.Equal(advance.From) {
		return domain.ErrConflict
	}
	server.ExpiryAt = timePtr(advance.To)
	server.UpdatedAt = m.now()
	m.servers[advance.ServerID] = server
	return nil
}

func (m *MemoryRepository) SuspendServer(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, ok := m.servers[serverID]
	if !ok {
		return false, domain.ErrServerNotFound
	}
	if !server.IsDue(now) {
		return false, nil
	}
	server.Status = domain.ServerStatusSuspended
	server.SuspendedAt = timePtr(now)
	server.UpdatedAt = m.now()
	m.servers[serverID] = server
	return true, nil
}

func (m *MemoryRepository) ListServersPastGrace(ctx context.Context, cutoff time.Time, after uuid.UUID, limit int) ([]domain.ManagedServer, error) {
	return m.selectServers(after, limit, func(s domain.ManagedServer) bool {
		switch s.Status {
		case domain.ServerStatusPendingDeletion:
			return true
		case domain.ServerStatusSuspended:
			return s.SuspendedAt != nil && !s.SuspendedAt.After(cutoff)
		}
		return false
	}), nil
}

func (m *MemoryRepository) MarkServerPendingDeletion(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error) {
	return m.transition(serverID, domain.ServerStatusSuspended, domain.ServerStatusPendingDeletion, func(s *domain.ManagedServer) {
		s.DeletionRequestedAt = timePtr(now)
	})
}

func (m *MemoryRepository) MarkServerDeleted(ctx context.Context, serverID uuid.UUID, now time.Time) (bool, error) {
	return m.transition(serverID, domain.ServerStatusPendingDeletion, domain.ServerStatusDeleted, func(s *domain.ManagedServer) {
		s.DeletedAt = timePtr(now)
	})
}

func (m *MemoryRepository) transition(serverID uuid.UUID, from, to domain.ServerStatus, apply func(*domain.ManagedServer)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, ok := m.servers[serverID]
	if !ok {
		return false, domain.ErrServerNotFound
	}
	if server.Status != from {
		return false, nil
	}
	server.Status = to
	apply(&server)
	server.UpdatedAt = m.now()
	m.servers[serverID] = server
	return true, nil
}

func (m *MemoryRepository) ApplyPosting(ctx context.Context, posting domain.LedgerPosting) (domain.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerEntry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[posting.UserID]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrUserNotFound
	}
	after, err := nextBalance(posting, balance.Coins)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if posting.Advance != nil {
		if err := m.advanceLocked(*posting.Advance); err != nil {
			return domain.LedgerEntry{}, err
		}
	}

	now := m.now()
	m.nextID++
	entry := domain.LedgerEntry{
		ID:             m.nextID,
		UserID:         posting.UserID,
		Delta:          posting.Delta,
		BalanceBefore:  balance.Coins,
		BalanceAfter:   after,
		SourceCategory: posting.Category,
		SourceAction:   posting.Action,
		ReferenceID:    stringPtr(posting.ReferenceID),
		Message:        stringPtr(posting.Message),
		CreatedAt:      now,
	}
	balance.Coins = after
	balance.UpdatedAt = now
	m.balances[posting.UserID] = balance
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *MemoryRepository) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter, offset, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		entry := m.entries[i]
		if filter.UserID != nil && entry.UserID != *filter.UserID {
			continue
		}
		if filter.Category != nil && entry.SourceCategory != *filter.Category {
			continue
		}
		if filter.Since != nil && entry.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && entry.CreatedAt.After(*filter.Until) {
			continue
		}
		matched = append(matched, entry)
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryRepository) ListUserLedgerEntriesAscending(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.LedgerEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetBalance(ctx context.Context, userID uuid.UUID) (domain.UserBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[userID]
	if !ok {
		return domain.UserBalance{}, domain.ErrUserNotFound
	}
	return balance, nil
}

// selectServers returns up to limit matching servers with id > after, ordered by id.
func (m *MemoryRepository) selectServers(after uuid.UUID, limit int, match func(domain.ManagedServer) bool) []domain.ManagedServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	afterKey := after.String()
	var out []domain.ManagedServer
	for _, server := range m.servers {
		if server.ID.String() <= afterKey {
			continue
		}
		if match(server) {
			out = append(out, cloneServer(server))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneServer(s domain.ManagedServer) domain.ManagedServer {
	s.ExpiryAt = clonePtr(s.ExpiryAt)
	s.SuspendedAt = clonePtr(s.SuspendedAt)
	s.DeletionRequestedAt = clonePtr(s.DeletionRequestedAt)
	s.DeletedAt = clonePtr(s.DeletedAt)
	return s
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
