package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/atmx/settlement-engine/internal/store/migrations"
)

type migratorConfig struct {
	DatabaseURL string     `env:"DATABASE_URL,required,notEmpty"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	// Direction is "up" or "down".
	Direction string `env:"MIGRATE_DIRECTION" envDefault:"up"`
}

func main() {
	if err := migrateAll(); err != nil {
		slog.Error("migration run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("migration run finished successfully")
}

func migrateAll() error {
	var cfg migratorConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	//nolint:errcheck
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	switch cfg.Direction {
	case "up":
		if err := migrations.Up(db); err != nil {
			return err
		}
		slog.Info("migrations applied")
	case "down":
		if err := migrations.Down(db); err != nil {
			return err
		}
		slog.Info("migrations rolled back")
	default:
		return fmt.Errorf("MIGRATE_DIRECTION must be up or down, got %q", cfg.Direction)
	}
	return nil
}
