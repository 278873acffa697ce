// healthscore serves the risk aggregation API: risk ingestion, heat maps,
// trends and latest health per scope.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mbd888/healthscore/internal/config"
	"github.com/mbd888/healthscore/internal/logging"
	"github.com/mbd888/healthscore/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "healthscore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("healthscore starting",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"store_backend", cfg.StoreBackend,
		"rollup_to_parents", cfg.RollupToParents,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
