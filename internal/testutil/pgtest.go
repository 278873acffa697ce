// Package testutil starts the databases the store integration tests run
// against.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGTest returns a migrated postgres database that is closed when the test
// ends. POSTGRES_URL points it at an existing server; otherwise a container
// is started, and the test is skipped if Docker is unavailable.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = postgresContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}

	migrations, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir(t)))
	if err != nil {
		t.Fatalf("pgtest: goose provider: %v", err)
	}
	if _, err := migrations.Up(ctx); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	return db
}

func postgresContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("healthscore_test"),
		postgres.WithUsername("healthscore"),
		postgres.WithPassword("healthscore"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("pgtest: start container: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: dsn: %v", err)
	}
	return dsn
}

// migrationsDir finds the repository's migrations/ by walking up from the
// package under test.
func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, "migrations")); err == nil && fi.IsDir() {
			return filepath.Join(dir, "migrations")
		}
		up := filepath.Dir(dir)
		if up == dir {
			t.Fatal("pgtest: no migrations/ above the working directory")
		}
		dir = up
	}
}
