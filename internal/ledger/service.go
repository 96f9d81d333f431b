/**
 * @description
 * The rewards ledger. Every balance change is posted here as one immutable
 * entry written atomically with the balance it produces.
 */
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/domain"
)

const (
	defaultMaxPostAttempts = 3
	defaultRetryBackoff    = 25 * time.Millisecond
	defaultQueryLimit      = 20
	maxQueryLimit          = 100
)

var (
	// ErrInsufficientFunds is returned when policy rejects the resulting balance.
	ErrInsufficientFunds = domain.ErrInsufficientFunds
	// ErrConcurrentModification is returned once retries for a single post are exhausted.
	ErrConcurrentModification = domain.ErrConcurrentModification

	ErrInvalidEntry = errors.New("invalid ledger entry")
	ErrChainBroken  = errors.New("ledger chain broken")
)

// Store persists balances and entries. ApplyPosting must read the balance,
// enforce posting.AllowNegative, apply posting.Advance and write both balance
// and entry inside one atomic scope serialized per user.
type Store interface {
	ApplyPosting(ctx context.Context, posting domain.LedgerPosting) (domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter, offset, limit int) ([]domain.LedgerEntry, error)
	ListUserLedgerEntriesAscending(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (domain.UserBalance, error)
}

// Options tunes the ledger service.
type Options struct {
	AllowNegativeBalance bool
	MaxPostAttempts      int
	RetryBackoff         time.Duration
	Logger               *slog.Logger
}

// Service posts and queries ledger entries.
type Service struct {
	store           Store
	allowNegative   bool
	maxPostAttempts int
	retryBackoff    time.Duration
	logger          *slog.Logger
}

// NewService creates a ledger service on top of store.
func NewService(store Store, opts Options) *Service {
	attempts := opts.MaxPostAttempts
	if attempts <= 0 {
		attempts = defaultMaxPostAttempts
	}
	backoff := opts.RetryBackoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = defaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           store,
		allowNegative:   opts.AllowNegativeBalance,
		maxPostAttempts: attempts,
		retryBackoff:    backoff,
		logger:          logger,
	}
}

// PostRequest describes one balance change.
type PostRequest struct {
	UserID      uuid.UUID
	Delta       int64
	Category    domain.SourceCategory
	Action      domain.SourceAction
	ReferenceID *string
	Message     *string
	// Advance, when set, moves a server's expiry in the same atomic unit as the charge.
	Advance *domain.ExpiryAdvance
}

func (r PostRequest) validate() error {
	if r.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	}
	if r.Delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", ErrInvalidEntry)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown source category %q", ErrInvalidEntry, r.Category)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("%w: unknown source action %q", ErrInvalidEntry, r.Action)
	}
	switch r.Action {
	case domain.ActionSpend:
		if r.Delta > 0 {
			return fmt.Errorf("%w: spend requires a negative delta", ErrInvalidEntry)
		}
	case domain.ActionEarn:
		if r.Delta < 0 {
			return fmt.Errorf("%w: earn requires a positive delta", ErrInvalidEntry)
		}
	}
	if r.Advance != nil && !r.Advance.To.After(r.Advance.From) {
		return fmt.Errorf("%w: expiry advance must move forward", ErrInvalidEntry)
	}
	return nil
}

// Post appends one entry and moves the user's balance. A lost race on the
// user's balance row is retried here, for this post only.
func (s *Service) Post(ctx context.Context, req PostRequest) (domain.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return domain.LedgerEntry{}, err
	}

	posting := domain.LedgerPosting{
		UserID:        req.UserID,
		Delta:         req.Delta,
		Category:      req.Category,
		Action:        req.Action,
		ReferenceID:   req.ReferenceID,
		Message:       req.Message,
		AllowNegative: s.allowNegative,
		Advance:       req.Advance,
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxPostAttempts; attempt++ {
		entry, err := s.store.ApplyPosting(ctx, posting)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return domain.LedgerEntry{}, err
		}
		lastErr = err
		s.logger.Warn("ledger post lost a race, retrying",
			"user_id", req.UserID, "attempt", attempt, "error", err)

		if attempt < s.maxPostAttempts {
			select {
			case <-ctx.Done():
				return domain.LedgerEntry{}, ctx.Err()
			case <-time.After(s.retryBackoff * time.Duration(attempt)):
			}
		}
	}

	return domain.LedgerEntry{}, fmt.Errorf("ledger post for user %s gave up after %d attempts: %w",
		req.UserID, s.maxPostAttempts, lastErr)
}

// Query returns entries matching filter, newest first. page is 1-based.
func (s *Service) Query(ctx context.Context, filter domain.LedgerFilter, page, limit int) (domain.LedgerPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if page-1 > math.MaxInt/limit {
		return domain.LedgerPage{}, fmt.Errorf("%w: page %d is out of range", ErrInvalidEntry, page)
	}
	if filter.Category != nil && !filter.Category.Valid() {
		return domain.LedgerPage{}, fmt.Errorf("%w: unknown source category %q", ErrInvalidEntry, *filter.Category)
	}
	if filter.Since != nil && filter.Until != nil && filter.Until.Before(*filter.Since) {
		return domain.LedgerPage{}, fmt.Errorf("%w: until is before since", ErrInvalidEntry)
	}

	// One extra row tells us whether another page exists.
	entries, err := s.store.ListLedgerEntries(ctx, filter, (page-1)*limit, limit+1)
	if err != nil {
		return domain.LedgerPage{}, err
	}

	result := domain.LedgerPage{Page: page, Limit: limit, Entries: entries}
	if len(entries) > limit {
		result.Entries = entries[:limit]
		result.HasMore = true
	}
	if result.Entries == nil {
		result.Entries = []domain.LedgerEntry{}
	}
	return result, nil
}

// Balance returns the user's live balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (domain.UserBalance, error) {
	return s.store.GetBalance(ctx, userID)
}

// VerifyChain checks that the user's entries form an unbroken before/after
// chain anchored at the opening balance and ending at the live balance.
func (s *Service) VerifyChain(ctx context.Context, userID uuid.UUID) error {
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	entries, err := s.store.ListUserLedgerEntriesAscending(ctx, userID)
	if err != nil {
		return err
	}
	return verifyEntries(balance, entries)
}

func verifyEntries(balance domain.UserBalance, entries []domain.LedgerEntry) error {
	running := balance.OpeningCoins
	var lastID int64
	for _, entry := range entries {
		if entry.ID <= lastID {
			return fmt.Errorf("%w: entry %d is out of order after %d", ErrChainBroken, entry.ID, lastID)
		}
		if entry.BalanceBefore != running {
			return fmt.Errorf("%w: entry %d starts at %d, expected %d", ErrChainBroken, entry.ID, entry.BalanceBefore, running)
		}
		if entry.BalanceAfter != entry.BalanceBefore+entry.Delta {
			return fmt.Errorf("%w: entry %d ends at %d, expected %d", ErrChainBroken, entry.ID, entry.BalanceAfter, entry.BalanceBefore+entry.Delta)
		}
		running = entry.BalanceAfter
		lastID = entry.ID
	}
	if running != balance.Coins {
		return fmt.Errorf("%w: live balance %d does not match chain end %d", ErrChainBroken, balance.Coins, running)
	}
	return nil
}
