package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/hostpanel/lifecycle-service/internal/store"
)

type flakyStore struct {
	*store.MemoryRepository
	mu        sync.Mutex
	failFirst int
	calls     int
	err       error
}

func (s *flakyStore) ApplyPosting(ctx context.Context, posting domain.LedgerPosting) (domain.LedgerEntry, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failFirst
	s.mu.Unlock()
	if fail {
		return domain.LedgerEntry{}, s.err
	}
	return s.MemoryRepository.ApplyPosting(ctx, posting)
}

func newMemoryService(t *testing.T, opening int64, opts Options) (*Service, *store.MemoryRepository, uuid.UUID) {
	t.Helper()
	repo := store.NewMemoryRepository()
	userID := uuid.New()
	if err := repo.CreateUserBalance(context.Background(), userID, opening); err != nil {
		t.Fatalf("CreateUserBalance returned error: %v", err)
	}
	return NewService(repo, opts), repo, userID
}

func TestPostConcurrentKeepsChainIntact(t *testing.T) {
	svc, _, userID := newMemoryService(t, 500, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := PostRequest{UserID: userID, Delta: 4, Category: domain.CategoryDailyLogin, Action: domain.ActionEarn}
			if i%2 == 1 {
				req = PostRequest{UserID: userID, Delta: -2, Category: domain.CategoryRedeemCode, Action: domain.ActionSpend}
			}
			if _, err := svc.Post(ctx, req); err != nil {
				t.Errorf("Post returned error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if want := int64(500 + 25*4 - 25*2); balance.Coins != want {
		t.Fatalf("expected balance %d, got %d", want, balance.Coins)
	}
	if err := svc.VerifyChain(ctx, userID); err != nil {
		t.Fatalf("VerifyChain returned error: %v", err)
	}
}

func TestPostRejectsInsufficientFunds(t *testing.T) {
	svc, _, userID := newMemoryService(t, 5, Options{})

	_, err := svc.Post(context.Background(), PostRequest{UserID: userID, Delta: -6, Category: domain.CategoryBilling, Action: domain.ActionSpend})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	page, err := svc.Query(context.Background(), domain.LedgerFilter{UserID: &userID}, 1, 10)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("expected no entries after a rejected post, got %d", len(page.Entries))
	}
}

func TestPostAllowsNegativeWhenConfigured(t *testing.T) {
	svc, _, userID := newMemoryService(t, 5, Options{AllowNegativeBalance: true})

	entry, err := svc.Post(context.Background(), PostRequest{UserID: userID, Delta: -6, Category: domain.CategoryAdminAdjustment, Action: domain.ActionAdjust})
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if entry.BalanceAfter != -1 {
		t.Fatalf("expected balance -1, got %d", entry.BalanceAfter)
	}
}

func TestPostValidation(t *testing.T) {
	svc, _, userID := newMemoryService(t, 0, Options{})

	cases := []struct {
		name string
		req  PostRequest
	}{
		{name: "missing user", req: PostRequest{Delta: 1, Category: domain.CategoryReferral, Action: domain.ActionEarn}},
		{name: "zero delta", req: PostRequest{UserID: userID, Category: domain.CategoryReferral, Action: domain.ActionEarn}},
		{name: "unknown category", req: PostRequest{UserID: userID, Delta: 1, Category: "lottery", Action: domain.ActionEarn}},
		{name: "unknown action", req: PostRequest{UserID: userID, Delta: 1, Category: domain.CategoryReferral, Action: "gift"}},
		{name: "earn with negative delta", req: PostRequest{UserID: userID, Delta: -1, Category: domain.CategoryReferral, Action: domain.ActionEarn}},
		{name: "spend with positive delta", req: PostRequest{UserID: userID, Delta: 1, Category: domain.CategoryBilling, Action: domain.ActionSpend}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Post(context.Background(), tc.req); !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestPostRetriesConcurrentModification(t *testing.T) {
	repo := store.NewMemoryRepository()
	userID := uuid.New()
	if err := repo.CreateUserBalance(context.Background(), userID, 0); err != nil {
		t.Fatalf("CreateUserBalance returned error: %v", err)
	}
	flaky := &flakyStore{MemoryRepository: repo, failFirst: 2, err: domain.ErrConcurrentModification}
	svc := NewService(flaky, Options{MaxPostAttempts: 3, RetryBackoff: -1})

	entry, err := svc.Post(context.Background(), PostRequest{UserID: userID, Delta: 3, Category: domain.CategoryReferral, Action: domain.ActionEarn})
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if entry.BalanceAfter != 3 {
		t.Fatalf("expected balance 3, got %d", entry.BalanceAfter)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestPostGivesUpAfterMaxAttempts(t *testing.T) {
	repo := store.NewMemoryRepository()
	userID := uuid.New()
	_ = repo.CreateUserBalance(context.Background(), userID, 0)
	flaky := &flakyStore{MemoryRepository: repo, failFirst: 10, err: domain.ErrConcurrentModification}
	svc := NewService(flaky, Options{MaxPostAttempts: 2, RetryBackoff: -1})

	_, err := svc.Post(context.Background(), PostRequest{UserID: userID, Delta: 1, Category: domain.CategoryReferral, Action: domain.ActionEarn})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", flaky.calls)
	}
}

func TestPostDoesNotRetryOtherErrors(t *testing.T) {
	repo := store.NewMemoryRepository()
	userID := uuid.New()
	_ = repo.CreateUserBalance(context.Background(), userID, 0)
	flaky := &flakyStore{MemoryRepository: repo, failFirst: 1, err: domain.ErrStoreUnavailable}
	svc := NewService(flaky, Options{MaxPostAttempts: 3, RetryBackoff: -1})

	_, err := svc.Post(context.Background(), PostRequest{UserID: userID, Delta: 1, Category: domain.CategoryReferral, Action: domain.ActionEarn})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", flaky.calls)
	}
}

func TestQueryPaging(t *testing.T) {
	svc, _, userID := newMemoryService(t, 0, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := svc.Post(ctx, PostRequest{UserID: userID, Delta: int64(i + 1), Category: domain.CategoryPromotion, Action: domain.ActionEarn}); err != nil {
			t.Fatalf("Post returned error: %v", err)
		}
	}

	first, err := svc.Query(ctx, domain.LedgerFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(first.Entries) != 2 || !first.HasMore {
		t.Fatalf("unexpected first page %+v", first)
	}
	if first.Entries[0].Delta != 5 {
		t.Fatalf("expected newest entry first, got delta %d", first.Entries[0].Delta)
	}

	last, err := svc.Query(ctx, domain.LedgerFilter{}, 3, 2)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if len(last.Entries) != 1 || last.HasMore {
		t.Fatalf("unexpected last page %+v", last)
	}

	empty, err := svc.Query(ctx, domain.LedgerFilter{}, 9, 2)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if empty.Entries == nil || len(empty.Entries) != 0 {
		t.Fatalf("expected an empty non-nil page, got %+v", empty)
	}
}

func TestQueryClampsLimitAndRejectsUnknownCategory(t *testing.T) {
	svc, _, _ := newMemoryService(t, 0, Options{})

	page, err := svc.Query(context.Background(), domain.LedgerFilter{}, 0, 1000)
	if err != nil {
		t.Fatalf("Query returned error: %v", err)
	}
	if page.Limit != maxQueryLimit || page.Page != 1 {
		t.Fatalf("expected clamped page, got %+v", page)
	}

	bad := domain.SourceCategory("jackpot")
	if _, err := svc.Query(context.Background(), domain.LedgerFilter{Category: &bad}, 1, 10); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestQueryRejectsPageBeyondAddressableRange(t *testing.T) {
	svc, _, _ := newMemoryService(t, 0, Options{})

	for _, page := range []int{922337203685477581, math.MaxInt} {
		if _, err := svc.Query(context.Background(), domain.LedgerFilter{}, page, 20); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("page %d: expected ErrInvalidEntry, got %v", page, err)
		}
	}

	if _, err := svc.Query(context.Background(), domain.LedgerFilter{}, 1_000_000, 20); err != nil {
		t.Fatalf("expected a large but addressable page to succeed, got %v", err)
	}
}

func TestVerifyEntriesDetectsBrokenChain(t *testing.T) {
	userID := uuid.New()
	balance := domain.UserBalance{UserID: userID, Coins: 15, OpeningCoins: 10}

	good := []domain.LedgerEntry{
		{ID: 1, Delta: 10, BalanceBefore: 10, BalanceAfter: 20},
		{ID: 2, Delta: -5, BalanceBefore: 20, BalanceAfter: 15},
	}
	if err := verifyEntries(balance, good); err != nil {
		t.Fatalf("expected intact chain, got %v", err)
	}

	cases := map[string][]domain.LedgerEntry{
		"gap": {
			{ID: 1, Delta: 10, BalanceBefore: 10, BalanceAfter: 20},
			{ID: 2, Delta: -5, BalanceBefore: 21, BalanceAfter: 16},
		},
		"bad arithmetic": {
			{ID: 1, Delta: 10, BalanceBefore: 10, BalanceAfter: 21},
		},
		"out of order": {
			{ID: 2, Delta: 10, BalanceBefore: 10, BalanceAfter: 20},
			{ID: 1, Delta: -5, BalanceBefore: 20, BalanceAfter: 15},
		},
		"live balance drift": {
			{ID: 1, Delta: 1, BalanceBefore: 10, BalanceAfter: 11},
		},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			if err := verifyEntries(balance, entries); !errors.Is(err, ErrChainBroken) {
				t.Fatalf("expected ErrChainBroken, got %v", err)
			}
		})
	}
}
