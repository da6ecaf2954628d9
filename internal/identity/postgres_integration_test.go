package identity_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/memohai/deepmax/db"
	"github.com/memohai/deepmax/internal/config"
	"github.com/memohai/deepmax/internal/db"
	"github.com/memohai/deepmax/internal/identity"
)

func newPostgresStore(t *testing.T) identity.Store {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)

	src, err := migrations.Migrations(config.DriverPostgres)
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := db.RunMigrate(nil, dsn, src, "up", nil); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return identity.NewPostgresStore(logger, pool)
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, newPostgresStore)
}
