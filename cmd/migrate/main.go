package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"PoolLedger/internal/config"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config file] [-dir path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  POOL_POSTGRES_DSN    - Postgres connection string (required)")
	fmt.Println("  POOL_MIGRATIONS_DIR  - migrations directory (default: embedded)")
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	dir := flag.String("dir", "", "read migrations from this directory instead of the embedded set")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate", cfg.LogLevel)

	if !cfg.PersistenceEnabled() {
		logger.Fatal().Msg("POOL_POSTGRES_DSN is not set")
	}

	var files fs.FS = migrations.FS
	if *dir == "" {
		*dir = cfg.MigrationsDir
	}
	if *dir != "" {
		files = os.DirFS(*dir)
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %-7s %s\n", s.Version, state, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
