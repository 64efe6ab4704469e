package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderloom/backend/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, is_admin, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, k.ID, k.UserID, k.KeyHash, k.KeyPrefix, k.IsAdmin, k.IsActive)
	return err
}

func (r *APIKeyRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	var k models.APIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, key_hash, key_prefix, is_admin, is_active
		FROM api_keys WHERE id = $1
	`, id).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.IsAdmin, &k.IsActive)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Revoke deactivates a key without deleting its audit trail.
func (r *APIKeyRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "UPDATE api_keys SET is_active = FALSE WHERE id = $1", id)
	return err
}

// FindByKeyHash returns the active api_key for the given key hash.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, key_hash, key_prefix, is_admin, is_active
		FROM api_keys
		WHERE key_hash = $1 AND is_active = TRUE
	`, keyHash).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.IsAdmin, &k.IsActive)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
