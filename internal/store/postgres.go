package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable metadata store: users, recipes, labs, and
// operator settings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS recipes (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			target_name TEXT NOT NULL,
			target_version TEXT NOT NULL DEFAULT '',
			exploit_family TEXT NOT NULL DEFAULT '',
			blueprint JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS labs (
			id UUID PRIMARY KEY,
			owner_id UUID NOT NULL REFERENCES users(id),
			recipe_id UUID NOT NULL REFERENCES recipes(id),
			status TEXT NOT NULL,
			runtime TEXT NOT NULL,
			runtime_meta JSONB NOT NULL DEFAULT '{}'::jsonb,
			connection_url TEXT NOT NULL DEFAULT '',
			requested_intent JSONB NOT NULL DEFAULT '{}'::jsonb,
			expires_at TIMESTAMPTZ,
			evidence_state TEXT NOT NULL DEFAULT 'collecting',
			evidence_finalized_at TIMESTAMPTZ,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_labs_owner ON labs(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_labs_status_updated ON labs(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_labs_expires ON labs(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
