package pricing

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderloom/backend/internal/models"
)

// ErrUnknownModel is returned when a model key is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const modelColumns = `key, label, category, source, enabled, price_per_artifact, min_cost, max_cost, max_artifacts, created_at, updated_at`

func (r *Repository) GetByKey(ctx context.Context, key string) (*models.GenModel, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+modelColumns+`
		FROM gen_models
		WHERE key = $1
	`, strings.ToLower(strings.TrimSpace(key)))
	m, err := scanModel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownModel
	}
	return m, err
}

func (r *Repository) ListEnabled(ctx context.Context) ([]*models.GenModel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+modelColumns+`
		FROM gen_models
		WHERE enabled
		ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.GenModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// Upsert seeds or updates a catalog row. Used by the config-driven seeder at
// startup and the admin surface.
func (r *Repository) Upsert(ctx context.Context, m *models.GenModel) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO gen_models (key, label, category, source, enabled, price_per_artifact, min_cost, max_cost, max_artifacts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			label = EXCLUDED.label,
			category = EXCLUDED.category,
			source = EXCLUDED.source,
			enabled = EXCLUDED.enabled,
			price_per_artifact = EXCLUDED.price_per_artifact,
			min_cost = EXCLUDED.min_cost,
			max_cost = EXCLUDED.max_cost,
			max_artifacts = EXCLUDED.max_artifacts,
			updated_at = now()
	`, strings.ToLower(m.Key), m.Label, m.Category, m.Source, m.Enabled,
		m.PricePerArtifact, m.MinCost, m.MaxCost, m.MaxArtifacts)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*models.GenModel, error) {
	var m models.GenModel
	if err := row.Scan(
		&m.Key, &m.Label, &m.Category, &m.Source, &m.Enabled,
		&m.PricePerArtifact, &m.MinCost, &m.MaxCost, &m.MaxArtifacts,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}
