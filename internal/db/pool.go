package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a bounded pool on database of the server at databaseURL.
// The database named in the URL, if any, is replaced.
func NewPool(ctx context.Context, databaseURL, database string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	if database != "" {
		cfg.ConnConfig.Database = database
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	return pool, nil
}

// EndpointName renders a credential-free label for a pool target.
func EndpointName(databaseURL, database string) (string, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse db config: %w", err)
	}
	if database == "" {
		database = cfg.ConnConfig.Database
	}
	return fmt.Sprintf("%s:%d/%s", cfg.ConnConfig.Host, cfg.ConnConfig.Port, database), nil
}
