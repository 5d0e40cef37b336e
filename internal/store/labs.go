package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/octolab/octolab/internal/domain"
)

const labColumns = `id, owner_id, recipe_id, status, runtime, runtime_meta,
	connection_url, requested_intent, expires_at, evidence_state,
	evidence_finalized_at, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLab(row rowScanner) (*domain.Lab, error) {
	lab := &domain.Lab{}
	var metaJSON, intentJSON []byte
	err := row.Scan(
		&lab.ID, &lab.OwnerID, &lab.RecipeID, &lab.Status, &lab.Runtime,
		&metaJSON, &lab.ConnectionURL, &intentJSON, &lab.ExpiresAt,
		&lab.EvidenceState, &lab.EvidenceFinalizedAt, &lab.FailureReason,
		&lab.CreatedAt, &lab.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &lab.RuntimeMeta); err != nil {
			return nil, fmt.Errorf("unmarshal runtime_meta: %w", err)
		}
	}
	if len(intentJSON) > 0 {
		if err := json.Unmarshal(intentJSON, &lab.RequestedIntent); err != nil {
			return nil, fmt.Errorf("unmarshal requested_intent: %w", err)
		}
	}
	return lab, nil
}

// CreateLab inserts a new lab row. Status and runtime come from the lab
// service, never from client input.
func (s *PostgresStore) CreateLab(ctx context.Context, lab *domain.Lab) error {
	metaJSON, err := json.Marshal(lab.RuntimeMeta)
	if err != nil {
		return fmt.Errorf("marshal runtime_meta: %w", err)
	}
	intentJSON, err := json.Marshal(lab.RequestedIntent)
	if err != nil {
		return fmt.Errorf("marshal requested_intent: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO labs (id, owner_id, recipe_id, status, runtime, runtime_meta,
			connection_url, requested_intent, expires_at, evidence_state,
			failure_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		lab.ID, lab.OwnerID, lab.RecipeID, string(lab.Status), string(lab.Runtime),
		metaJSON, lab.ConnectionURL, intentJSON, lab.ExpiresAt,
		string(lab.EvidenceState), lab.FailureReason, lab.CreatedAt, lab.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lab: %w", err)
	}
	return nil
}

// GetLab fetches a lab with no owner filter. Admin and worker paths only.
func (s *PostgresStore) GetLab(ctx context.Context, labID string) (*domain.Lab, error) {
	lab, err := scanLab(s.pool.QueryRow(ctx,
		`SELECT `+labColumns+` FROM labs WHERE id = $1`, labID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLabNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lab: %w", err)
	}
	return lab, nil
}

// GetLabForOwner fetches a lab scoped to its owner. A lab owned by someone
// else yields the same ErrLabNotFound as a truly absent id.
func (s *PostgresStore) GetLabForOwner(ctx context.Context, ownerID, labID string) (*domain.Lab, error) {
	lab, err := scanLab(s.pool.QueryRow(ctx,
		`SELECT `+labColumns+` FROM labs WHERE id = $1 AND owner_id = $2`, labID, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLabNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lab: %w", err)
	}
	return lab, nil
}

// ListLabsForOwner lists the owner's labs, newest first. An empty status
// filter means all statuses.
func (s *PostgresStore) ListLabsForOwner(ctx context.Context, ownerID string, statuses []domain.LabStatus) ([]*domain.Lab, error) {
	query := `SELECT ` + labColumns + ` FROM labs WHERE owner_id = $1`
	args := []any{ownerID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, ss)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}
	defer rows.Close()

	var labs []*domain.Lab
	for rows.Next() {
		lab, err := scanLab(rows)
		if err != nil {
			return nil, err
		}
		labs = append(labs, lab)
	}
	return labs, rows.Err()
}

// TransitionLab moves a lab from one status to another under the optimistic
// guard WHERE status = from. A zero-row update means the row moved under us
// and surfaces as Conflict; illegal edges are rejected up front.
func (s *PostgresStore) TransitionLab(ctx context.Context, labID string, from, to domain.LabStatus) error {
	if !domain.CanTransition(from, to) {
		return domain.E(domain.KindConflict,
			fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE labs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), labID, string(from))
	if err != nil {
		return fmt.Errorf("transition lab: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindConflict,
			fmt.Sprintf("lab is no longer %s", from))
	}
	return nil
}

// MarkLabEnding moves a lab into ENDING from any state where termination is
// legal. Idempotent: a lab already in ENDING reports success.
func (s *PostgresStore) MarkLabEnding(ctx context.Context, labID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE labs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`,
		string(domain.StatusEnding), labID, []string{
			string(domain.StatusRequested), string(domain.StatusProvisioning),
			string(domain.StatusReady), string(domain.StatusDegraded),
			string(domain.StatusFailed),
		})
	if err != nil {
		return fmt.Errorf("mark lab ending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already ENDING (fine) or terminal (conflict).
		lab, err := s.GetLab(ctx, labID)
		if err != nil {
			return err
		}
		if lab.Status == domain.StatusEnding {
			return nil
		}
		return domain.E(domain.KindConflict,
			fmt.Sprintf("cannot terminate a %s lab", lab.Status))
	}
	return nil
}

// SetLabReady transitions PROVISIONING -> READY and records the connection
// URL. The URL must be non-empty: READY without a connection URL violates a
// state-machine invariant.
func (s *PostgresStore) SetLabReady(ctx context.Context, labID, connectionURL string) error {
	if connectionURL == "" {
		return domain.E(domain.KindInternal, "READY requires a connection URL")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE labs SET status = $1, connection_url = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		string(domain.StatusReady), connectionURL, labID, string(domain.StatusProvisioning))
	if err != nil {
		return fmt.Errorf("set lab ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindConflict, "lab is no longer PROVISIONING")
	}
	return nil
}

// SetLabFailed records a sanitized failure reason. Legal from any
// non-terminal, non-ENDING state.
func (s *PostgresStore) SetLabFailed(ctx context.Context, labID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE labs SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)`,
		string(domain.StatusFailed), reason, labID, []string{
			string(domain.StatusRequested), string(domain.StatusProvisioning),
		})
	if err != nil {
		return fmt.Errorf("set lab failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindConflict, "lab cannot fail from its current status")
	}
	return nil
}

// UpdateLabMeta persists the runtime's resource record. Called after each
// allocation step so that a crash mid-provisioning leaves enough state for
// the reaper to clean up by deterministic names.
func (s *PostgresStore) UpdateLabMeta(ctx context.Context, labID string, meta domain.RuntimeMeta) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal runtime_meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE labs SET runtime_meta = $1, updated_at = NOW() WHERE id = $2`,
		metaJSON, labID)
	if err != nil {
		return fmt.Errorf("update lab meta: %w", err)
	}
	return nil
}

// MarkExpiredLabsEnding moves labs past their expires_at deadline into
// ENDING so the reaper tears them down.
func (s *PostgresStore) MarkExpiredLabsEnding(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE labs SET status = $1, updated_at = NOW()
		WHERE expires_at IS NOT NULL AND expires_at <= $2 AND status = ANY($3)`,
		string(domain.StatusEnding), now, []string{
			string(domain.StatusRequested), string(domain.StatusProvisioning),
			string(domain.StatusReady), string(domain.StatusDegraded),
		})
	if err != nil {
		return 0, fmt.Errorf("mark expired labs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkStaleLabsEnding is the startup reconciliation: any lab still in
// REQUESTED or PROVISIONING was orphaned by a previous process and its
// resources (if any) are recoverable via runtime_meta and deterministic
// names. Runs before the HTTP server starts, so no in-flight provisioning
// can be hit.
func (s *PostgresStore) MarkStaleLabsEnding(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE labs SET status = $1, updated_at = NOW()
		WHERE status = ANY($2)`,
		string(domain.StatusEnding), []string{
			string(domain.StatusRequested), string(domain.StatusProvisioning),
		})
	if err != nil {
		return 0, fmt.Errorf("mark stale labs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountLabsByStatus returns lab counts for the active-labs gauge.
func (s *PostgresStore) CountLabsByStatus(ctx context.Context) (map[domain.LabStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM labs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count labs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.LabStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.LabStatus(status)] = n
	}
	return counts, rows.Err()
}
