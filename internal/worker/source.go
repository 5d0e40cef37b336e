package worker

import (
	"context"
	"time"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/store"
)

// PostgresSource adapts the Postgres store to the worker's Source.
type PostgresSource struct {
	store *store.PostgresStore
}

func NewPostgresSource(s *store.PostgresStore) *PostgresSource {
	return &PostgresSource{store: s}
}

func (s *PostgresSource) ClaimTeardownBatch(ctx context.Context, batchSize int) (Batch, error) {
	batch, err := s.store.ClaimTeardownBatch(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	return pgBatch{batch}, nil
}

func (s *PostgresSource) MarkExpiredLabsEnding(ctx context.Context, now time.Time) (int64, error) {
	return s.store.MarkExpiredLabsEnding(ctx, now)
}

func (s *PostgresSource) MarkStaleLabsEnding(ctx context.Context) (int64, error) {
	return s.store.MarkStaleLabsEnding(ctx)
}

type pgBatch struct {
	*store.TeardownBatch
}

func (b pgBatch) Labs() []*domain.Lab {
	return b.TeardownBatch.Labs
}
