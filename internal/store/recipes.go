package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/octolab/octolab/internal/domain"
)

// SaveRecipe upserts a recipe. Recipes are curated out of band; the core
// only ever reads them at provisioning time.
func (s *PostgresStore) SaveRecipe(ctx context.Context, r *domain.Recipe) error {
	blueprint, err := json.Marshal(r.Blueprint)
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipes (id, name, target_name, target_version, exploit_family, blueprint, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			target_name = EXCLUDED.target_name,
			target_version = EXCLUDED.target_version,
			exploit_family = EXCLUDED.exploit_family,
			blueprint = EXCLUDED.blueprint`,
		r.ID, r.Name, r.TargetName, r.TargetVersion, r.ExploitFamily, blueprint, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save recipe: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecipe(ctx context.Context, id string) (*domain.Recipe, error) {
	r := &domain.Recipe{}
	var blueprintJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, target_name, target_version, exploit_family, blueprint, created_at
		FROM recipes WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.TargetName, &r.TargetVersion, &r.ExploitFamily,
			&blueprintJSON, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecipeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe: %w", err)
	}
	if err := json.Unmarshal(blueprintJSON, &r.Blueprint); err != nil {
		return nil, fmt.Errorf("unmarshal blueprint: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRecipes(ctx context.Context) ([]*domain.Recipe, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, target_name, target_version, exploit_family, blueprint, created_at
		FROM recipes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()

	var recipes []*domain.Recipe
	for rows.Next() {
		r := &domain.Recipe{}
		var blueprintJSON []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.TargetName, &r.TargetVersion,
			&r.ExploitFamily, &blueprintJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(blueprintJSON, &r.Blueprint); err != nil {
			return nil, fmt.Errorf("unmarshal blueprint: %w", err)
		}
		recipes = append(recipes, r)
	}
	return recipes, rows.Err()
}
