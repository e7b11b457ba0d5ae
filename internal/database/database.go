package database

import (
	"context"
	_ "embed"
	"fmt"

	"periskope/chatsync/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

var Pool *pgxpool.Pool

// Connect opens the shared pool and verifies it with a ping
func Connect(ctx context.Context, databaseURL string, log *zap.Logger) error {
	if databaseURL == "" {
		return fmt.Errorf("database url is empty")
	}

	var err error
	Pool, err = pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err = Pool.Ping(ctx); err != nil {
		Pool.Close()
		Pool = nil
		return fmt.Errorf("failed to ping database: %w", err)
	}

	logging.OrNop(log).Info("database connected")
	return nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context) error {
	if Pool == nil {
		return fmt.Errorf("database is not connected")
	}
	if _, err := Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func Close() {
	if Pool != nil {
		Pool.Close()
	}
}
