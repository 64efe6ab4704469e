package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/renderloom/backend/internal/holds"
	"github.com/renderloom/backend/internal/models"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table. Already-terminal jobs no-op instead.
var ErrInvalidTransition = errors.New("invalid job status transition")

// allowedFrom is the single source of truth for the job state machine:
// pending → running → {succeeded, failed, canceled}, with pending also able
// to fail or cancel before submission succeeds.
var allowedFrom = map[string][]string{
	models.JobStatusRunning:   {models.JobStatusPending},
	models.JobStatusSucceeded: {models.JobStatusRunning},
	models.JobStatusFailed:    {models.JobStatusPending, models.JobStatusRunning},
	models.JobStatusCanceled:  {models.JobStatusPending, models.JobStatusRunning},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to string) bool {
	for _, f := range allowedFrom[to] {
		if f == from {
			return true
		}
	}
	return false
}

// CreateParams carries everything needed to open a job with its hold.
type CreateParams struct {
	UserID             string
	ModelKey           string
	Category           string
	Source             string
	Input              json.RawMessage
	PricePerArtifact   int64
	RequestedArtifacts int
	EstimatedCost      int64
}

// ProviderCanceler is the best-effort cancellation slice of the provider
// capability.
type ProviderCanceler interface {
	Cancel(ctx context.Context, providerID string) error
}

// InsertSubmitTxFunc enqueues the provider-submission background job inside
// the given transaction. Provided by main as a closure over river.Client.InsertTx.
type InsertSubmitTxFunc func(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) error

// Store is the persistence slice the service drives. *Repository implements
// it; tests substitute an in-memory map.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByProviderID(ctx context.Context, providerID string) (*models.Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	Transition(ctx context.Context, id uuid.UUID, from []string, to string, errMsg *string, output []models.Artifact) (bool, error)
}

type Service interface {
	Create(ctx context.Context, p CreateParams) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByProviderID(ctx context.Context, providerID string) (*models.Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	Transition(ctx context.Context, id uuid.UUID, to string, errMsg *string, output []models.Artifact) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type service struct {
	repo         Store
	holds        *holds.Manager
	provider     ProviderCanceler
	insertSubmit InsertSubmitTxFunc
	logger       *slog.Logger
}

func NewService(repo Store, holdMgr *holds.Manager, provider ProviderCanceler, insertSubmit InsertSubmitTxFunc, logger *slog.Logger) Service {
	return &service{repo: repo, holds: holdMgr, provider: provider, insertSubmit: insertSubmit, logger: logger}
}

var _ Service = (*service)(nil)

// Create opens a pending job carrying its hold and enqueues the provider
// submission in the same transaction. The hold is a soft reservation: the
// ledger is not touched until capture.
func (s *service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	if p.UserID == "" || p.ModelKey == "" {
		return nil, fmt.Errorf("user id and model key required")
	}
	if p.EstimatedCost <= 0 || p.RequestedArtifacts <= 0 {
		return nil, fmt.Errorf("estimated cost and artifact count must be > 0")
	}

	if err := s.holds.CreateHold(ctx, p.UserID, p.Category, p.EstimatedCost); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:                 uuid.New(),
		UserID:             p.UserID,
		ModelKey:           p.ModelKey,
		Category:           p.Category,
		Source:             p.Source,
		Input:              p.Input,
		Status:             models.JobStatusPending,
		EstimatedCost:      p.EstimatedCost,
		PricePerArtifact:   p.PricePerArtifact,
		RequestedArtifacts: p.RequestedArtifacts,
		Output:             []models.Artifact{},
		HoldStatus:         models.HoldPending,
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.insertSubmit(ctx, tx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueue submit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) GetByProviderID(ctx context.Context, providerID string) (*models.Job, error) {
	return s.repo.GetByProviderID(ctx, providerID)
}

func (s *service) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

// Transition routes every status change through the transition table.
// Returns (false, nil) when another writer already moved the job, so racing
// completion signals resolve as no-ops.
func (s *service) Transition(ctx context.Context, id uuid.UUID, to string, errMsg *string, output []models.Artifact) (bool, error) {
	from, ok := allowedFrom[to]
	if !ok {
		return false, fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
	}
	return s.repo.Transition(ctx, id, from, to, errMsg, output)
}

// Cancel requests best-effort provider cancellation and moves the job to
// canceled locally. Local state is authoritative for billing: a late success
// signal after this point is treated as already-terminal by the reconciler.
func (s *service) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if models.JobTerminal(job.Status) {
		return job, nil
	}

	if job.ProviderID != nil && s.provider != nil {
		if err := s.provider.Cancel(ctx, *job.ProviderID); err != nil {
			s.logger.Warn("provider cancel failed", "job_id", id, "error", err)
		}
	}

	// Hold first, status second, the same order the reconciler settles in: a
	// crash in between leaves the job non-terminal, where the sweeper still
	// finds it.
	res, err := s.holds.Finalize(ctx, id, holds.Released("canceled"))
	if err != nil {
		return nil, fmt.Errorf("release hold on cancel: %w", err)
	}
	to := models.JobStatusCanceled
	if res.HoldStatus == models.HoldCaptured && res.Billed {
		// A success settle already billed this job; the cancel came too late.
		to = models.JobStatusSucceeded
	}
	if _, err := s.Transition(ctx, id, to, nil, nil); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}
