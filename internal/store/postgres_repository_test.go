package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

// withTempDatabase creates a throwaway database, migrates it and hands the
// test a repository on top of it. Set LIFECYCLE_TEST_DB_DSN to enable.
func withTempDatabase(t *testing.T, run func(ctx context.Context, repo *PostgresRepository)) {
	t.Helper()

	baseDSN := os.Getenv("LIFECYCLE_TEST_DB_DSN")
	if baseDSN == "" {
		t.Skip("LIFECYCLE_TEST_DB_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	admin, err := pgx.Connect(pingCtx, baseDSN)
	if err != nil {
		t.Skipf("postgres unavailable for integration tests: %v", err)
	}
	defer admin.Close(ctx)

	dbName := "lifecycle_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, dbName)); err != nil {
		t.Fatalf("create temp database %s: %v", dbName, err)
	}
	t.Cleanup(func() {
		cleanup, err := pgx.Connect(context.Background(), baseDSN)
		if err != nil {
			return
		}
		defer cleanup.Close(context.Background())
		_, _ = cleanup.Exec(context.Background(), `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, dbName)
		_, _ = cleanup.Exec(context.Background(), fmt.Sprintf(`DROP DATABASE IF EXISTS %s`, dbName))
	})

	parsed, err := url.Parse(baseDSN)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	parsed.Path = "/" + dbName

	pool, err := NewPool(ctx, parsed.String(), PoolConfig{MaxConns: 10})
	if err != nil {
		t.Fatalf("open temp database: %v", err)
	}
	defer pool.Close()

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	run(ctx, NewPostgresRepository(pool))
}

func TestPostgresApplyPostingConcurrentChain(t *testing.T) {
	withTempDatabase(t, func(ctx context.Context, repo *PostgresRepository) {
		userID := uuid.New()
		if err := repo.CreateUserBalance(ctx, userID, 1000); err != nil {
			t.Fatalf("CreateUserBalance: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				delta := int64(7)
				action := domain.ActionEarn
				if i%2 == 0 {
					delta = -3
					action = domain.ActionSpend
				}
				if _, err := repo.ApplyPosting(ctx, domain.LedgerPosting{UserID: userID, Delta: delta, Category: domain.CategoryPromotion, Action: action}); err != nil {
					t.Errorf("ApplyPosting: %v", err)
				}
			}(i)
		}
		wg.Wait()

		balance, err := repo.GetBalance(ctx, userID)
		if err != nil {
			t.Fatalf("GetBalance: %v", err)
		}
		if want := int64(1000 + 10*7 - 10*3); balance.Coins != want {
			t.Fatalf("expected balance %d, got %d", want, balance.Coins)
		}

		entries, err := repo.ListUserLedgerEntriesAscending(ctx, userID)
		if err != nil {
			t.Fatalf("ListUserLedgerEntriesAscending: %v", err)
		}
		running := balance.OpeningCoins
		for _, entry := range entries {
			if entry.BalanceBefore != running {
				t.Fatalf("entry %d starts at %d, expected %d", entry.ID, entry.BalanceBefore, running)
			}
			running = entry.BalanceAfter
		}
		if running != balance.Coins {
			t.Fatalf("chain ends at %d, balance is %d", running, balance.Coins)
		}
	})
}

func TestPostgresChargeAndAdvanceAreAtomic(t *testing.T) {
	withTempDatabase(t, func(ctx context.Context, repo *PostgresRepository) {
		userID := uuid.New()
		if err := repo.CreateUserBalance(ctx, userID, 100); err != nil {
			t.Fatalf("CreateUserBalance: %v", err)
		}
		expiry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		serverID := uuid.New()
		if err := repo.CreateServer(ctx, domain.ManagedServer{ID: serverID, OwnerUserID: userID, Name: "mc-1", BillingCycle: "1d", PricePerCycle: 10, ExpiryAt: &expiry}); err != nil {
			t.Fatalf("CreateServer: %v", err)
		}

		advance := &domain.ExpiryAdvance{ServerID: serverID, From: expiry, To: expiry.Add(24 * time.Hour)}
		posting := domain.LedgerPosting{UserID: userID, Delta: -10, Category: domain.CategoryBilling, Action: domain.ActionSpend, Advance: advance}
		if _, err := repo.ApplyPosting(ctx, posting); err != nil {
			t.Fatalf("ApplyPosting: %v", err)
		}
		if _, err := repo.ApplyPosting(ctx, posting); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("expected ErrConflict on replay, got %v", err)
		}

		balance, _ := repo.GetBalance(ctx, userID)
		if balance.Coins != 90 {
			t.Fatalf("expected one charge, balance is %d", balance.Coins)
		}
		server, err := repo.GetServer(ctx, serverID)
		if err != nil {
			t.Fatalf("GetServer: %v", err)
		}
		if server.ExpiryAt == nil || !server.ExpiryAt.Equal(advance.To) {
			t.Fatalf("expected expiry %s, got %v", advance.To, server.ExpiryAt)
		}
	})
}

func TestPostgresServerLifecycle(t *testing.T) {
	withTempDatabase(t, func(ctx context.Context, repo *PostgresRepository) {
		userID := uuid.New()
		if err := repo.CreateUserBalance(ctx, userID, 0); err != nil {
			t.Fatalf("CreateUserBalance: %v", err)
		}
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		past := now.Add(-time.Hour)
		serverID := uuid.New()
		if err := repo.CreateServer(ctx, domain.ManagedServer{ID: serverID, OwnerUserID: userID, BillingCycle: "1d", PricePerCycle: 5, ExpiryAt: &past}); err != nil {
			t.Fatalf("CreateServer: %v", err)
		}

		if ok, err := repo.SuspendServer(ctx, serverID, now); err != nil || !ok {
			t.Fatalf("SuspendServer: ok=%v err=%v", ok, err)
		}
		listed, err := repo.ListServersPastGrace(ctx, now, uuid.Nil, 10)
		if err != nil || len(listed) != 1 {
			t.Fatalf("ListServersPastGrace: %d servers, err=%v", len(listed), err)
		}
		if ok, err := repo.MarkServerPendingDeletion(ctx, serverID, now); err != nil || !ok {
			t.Fatalf("MarkServerPendingDeletion: ok=%v err=%v", ok, err)
		}
		if ok, err := repo.MarkServerDeleted(ctx, serverID, now); err != nil || !ok {
			t.Fatalf("MarkServerDeleted: ok=%v err=%v", ok, err)
		}

		server, _ := repo.GetServer(ctx, serverID)
		if server.Status != domain.ServerStatusDeleted {
			t.Fatalf("expected deleted, got %s", server.Status)
		}
	})
}
