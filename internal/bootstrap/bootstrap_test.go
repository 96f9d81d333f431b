package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/config"
	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/hostpanel/lifecycle-service/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func developmentConfig() *config.Config {
	return &config.Config{
		AppEnv:                config.EnvDevelopment,
		BackfillBatchSize:     10,
		BillingBatchSize:      10,
		DeleteBatchSize:       10,
		MaxChargesPerServer:   5,
		GracePeriod:           time.Hour,
		LedgerMaxPostAttempts: 3,
	}
}

func TestBuild_DevelopmentRunsWithoutInfrastructure(t *testing.T) {
	ctx := context.Background()
	components, err := Build(ctx, developmentConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	defer components.Close()

	repo, ok := components.Repository.(*store.MemoryRepository)
	if !ok {
		t.Fatalf("expected in-memory repository, got %T", components.Repository)
	}

	userID := uuid.New()
	if err := repo.CreateUserBalance(ctx, userID, 100); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	serverID := uuid.New()
	if err := repo.CreateServer(ctx, domain.ManagedServer{
		ID: serverID, OwnerUserID: userID, BillingCycle: "monthly", PricePerCycle: 30,
	}); err != nil {
		t.Fatalf("seed server: %v", err)
	}

	summary, err := components.Trigger.RunOnce(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if summary.Backfill.Mutated != 1 {
		t.Fatalf("expected the server to be backfilled, got %+v", summary.Backfill)
	}

	server, err := repo.GetServer(ctx, serverID)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if server.ExpiryAt == nil {
		t.Fatal("expected expiry to be set")
	}
}

func TestBuild_RequiresDatabaseOutsideDevelopment(t *testing.T) {
	cfg := developmentConfig()
	cfg.AppEnv = "production"

	_, err := Build(context.Background(), cfg, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestBuild_RejectsMalformedRedisURL(t *testing.T) {
	cfg := developmentConfig()
	cfg.RedisURL = "not-a-redis-url"
	cfg.LockTTL = time.Minute

	_, err := Build(context.Background(), cfg, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL parse error, got %v", err)
	}
}
