package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/octolab/octolab/internal/domain"
)

// TeardownBatch is a claimed set of ENDING labs. The rows stay locked by
// the underlying transaction until Commit or Rollback, so no other worker
// (in this process or any replica) can claim them: the FOR UPDATE SKIP
// LOCKED select serializes teardown per row.
type TeardownBatch struct {
	tx   pgx.Tx
	Labs []*domain.Lab
}

// ClaimTeardownBatch opens a transaction and locks up to batchSize labs in
// ENDING, oldest update first. Already-locked rows are skipped, never
// waited on.
func (s *PostgresStore) ClaimTeardownBatch(ctx context.Context, batchSize int) (*TeardownBatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin teardown batch: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT `+labColumns+` FROM labs
		WHERE status = $1
		ORDER BY updated_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2`,
		string(domain.StatusEnding), batchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("claim ending labs: %w", err)
	}

	var labs []*domain.Lab
	for rows.Next() {
		lab, err := scanLab(rows)
		if err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return nil, err
		}
		labs = append(labs, lab)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	return &TeardownBatch{tx: tx, Labs: labs}, nil
}

// MarkFinished transitions a claimed lab to FINISHED, records the evidence
// outcome, and clears runtime_meta: all resources are gone.
func (b *TeardownBatch) MarkFinished(ctx context.Context, labID string, evidence domain.EvidenceState, finalizedAt time.Time) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE labs SET status = $1, runtime_meta = '{}'::jsonb,
			evidence_state = $2, evidence_finalized_at = $3, updated_at = NOW()
		WHERE id = $4`,
		string(domain.StatusFinished), string(evidence), finalizedAt, labID)
	if err != nil {
		return fmt.Errorf("mark finished: %w", err)
	}
	return nil
}

// MarkFailed transitions a claimed lab to FAILED with a sanitized reason.
// runtime_meta is kept so an admin can clean up manually by deterministic
// names, and re-marking the lab ENDING retries the teardown.
func (b *TeardownBatch) MarkFailed(ctx context.Context, labID, reason string) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE labs SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3`,
		string(domain.StatusFailed), reason, labID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (b *TeardownBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *TeardownBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}
