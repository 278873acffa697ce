// migrate manages the postgres risk store schema with goose.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
//
// DATABASE_URL names the database. MIGRATIONS_DIR defaults to ./migrations.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/healthscore/internal/logging"
)

const usage = "usage: migrate up|down|status|version|redo|up-to N|down-to N"

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text").With("component", "migrate")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := migrate(ctx, os.Getenv("DATABASE_URL"), migrationsDir(), command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func migrationsDir() string {
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		return dir
	}
	return "migrations"
}

func migrate(ctx context.Context, dsn, dir, command string, args []string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := goose.SetDialect(string(goose.DialectPostgres)); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, dir, args...)
}
