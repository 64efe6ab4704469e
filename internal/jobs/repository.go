package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderloom/backend/internal/models"
)

// ErrNotFound is returned when a job id or provider id matches nothing.
var ErrNotFound = errors.New("job not found")

type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const jobColumns = `id, user_id, model_key, category, source, input, status, estimated_cost,
	price_per_artifact, requested_artifacts, provider_id, output, error,
	hold_status, billed, finalize_meta, finalized_at, created_at, updated_at`

// CreateTx inserts a pending job with its hold fields inside the caller's
// transaction, so the submit enqueue can share it.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	output, err := marshalOutput(j.Output)
	if err != nil {
		return err
	}
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, model_key, category, source, input, status, estimated_cost,
			price_per_artifact, requested_artifacts, output, hold_status, billed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.ModelKey, j.Category, j.Source, j.Input, j.Status, j.EstimatedCost,
		j.PricePerArtifact, j.RequestedArtifacts, output, j.HoldStatus, j.Billed,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *Repository) GetByProviderID(ctx context.Context, providerID string) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE provider_id = $1`, providerID)
	return scanJob(row)
}

func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// MarkRunning records the provider handle and moves pending → running.
func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID, providerID string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, provider_id = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, models.JobStatusRunning, providerID, id, models.JobStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// Transition applies a compare-and-set status change: the write only lands if
// the current status is one of the allowed source states. Returns false when
// another writer already moved the job (the caller treats that as a no-op).
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []string, to string, errMsg *string, output []models.Artifact) (bool, error) {
	out, err := marshalOutput(output)
	if err != nil {
		return false, err
	}
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1,
			error = COALESCE($2, error),
			output = COALESCE($3, output),
			updated_at = now()
		WHERE id = $4 AND status = ANY($5)
	`, to, errMsg, out, id, from)
	if err != nil {
		return false, fmt.Errorf("transition job %s -> %s: %w", id, to, err)
	}
	return result.RowsAffected() > 0, nil
}

// FinalizeHold flips the hold out of pending exactly once. Returns false when
// the hold was already finalized.
func (r *Repository) FinalizeHold(ctx context.Context, id uuid.UUID, holdStatus string, billed bool, meta json.RawMessage) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET hold_status = $1, billed = $2, finalize_meta = $3, finalized_at = now(), updated_at = now()
		WHERE id = $4 AND hold_status = $5
	`, holdStatus, billed, meta, id, models.HoldPending)
	if err != nil {
		return false, fmt.Errorf("finalize hold %s: %w", id, err)
	}
	return result.RowsAffected() > 0, nil
}

// ListStuck returns pending/running jobs whose last update is older than
// cutoff, oldest first, for the sweeper.
func (r *Repository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, []string{models.JobStatusPending, models.JobStatusRunning}, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func marshalOutput(artifacts []models.Artifact) ([]byte, error) {
	if artifacts == nil {
		return nil, nil
	}
	b, err := json.Marshal(artifacts)
	if err != nil {
		return nil, fmt.Errorf("marshal job output: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var output []byte
	err := row.Scan(&j.ID, &j.UserID, &j.ModelKey, &j.Category, &j.Source, &j.Input, &j.Status,
		&j.EstimatedCost, &j.PricePerArtifact, &j.RequestedArtifacts, &j.ProviderID,
		&output, &j.Error, &j.HoldStatus, &j.Billed, &j.FinalizeMeta, &j.FinalizedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &j.Output); err != nil {
			return nil, fmt.Errorf("unmarshal job output: %w", err)
		}
	}
	return &j, nil
}
