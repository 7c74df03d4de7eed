package main

import (
	"CoverLedger/internal/config"
	"CoverLedger/internal/persistence"
	"CoverLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|version>")
		fmt.Println("  up      - apply all pending migrations")
		fmt.Println("  down    - roll back the last migration")
		fmt.Println("  version - print the latest applied version")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  COVER_CONFIG          - optional TOML config file")
		fmt.Println("  COVER_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  COVER_MIGRATIONS_DIR  - migrations directory (default: embedded)")
		os.Exit(1)
	}

	// Only the database settings matter here, so identities are not validated.
	cfg := config.Default()
	if path := os.Getenv(config.EnvConfigPath); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	var files fs.FS = migrations.Files
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Printf("INFO: %d migrations applied", n)

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		if rolled {
			log.Println("INFO: last migration rolled back")
		} else {
			log.Println("INFO: nothing to roll back")
		}

	case "version":
		v, err := migrator.Version(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate version: %v", err)
		}
		if v == "" {
			v = "none"
		}
		fmt.Println(v)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'version')\n", os.Args[1])
		os.Exit(1)
	}
}
