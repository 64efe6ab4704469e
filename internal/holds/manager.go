package holds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/models"
)

// JobStore is the minimal job persistence interface the hold manager needs.
// FinalizeHold must be a compare-and-set on hold_status = pending.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	FinalizeHold(ctx context.Context, id uuid.UUID, holdStatus string, billed bool, meta json.RawMessage) (bool, error)
}

// Ledger is the minimal ledger interface for holds.
type Ledger interface {
	WriteEntry(ctx context.Context, p ledger.WriteParams) (*models.LedgerEntry, error)
	GetBalances(ctx context.Context, userID string) (map[string]int64, error)
}

// Outcome is the finalize decision: captured with a real cost, or released
// with a reason. Captured with a non-positive cost degrades to
// released_nothing_to_bill.
type Outcome struct {
	captured   bool
	actualCost int64
	reason     string
	meta       json.RawMessage
}

func Captured(actualCost int64, meta json.RawMessage) Outcome {
	return Outcome{captured: true, actualCost: actualCost, meta: meta}
}

func Released(reason string) Outcome {
	return Outcome{reason: reason}
}

// Result reports how a hold ended. Replayed is set when the hold had already
// been finalized and the prior state is returned unchanged.
type Result struct {
	HoldStatus string
	Billed     bool
	Entry      *models.LedgerEntry
	Replayed   bool
}

// CaptureFailed reports whether the hold was released because the debit was
// rejected for insufficient balance at capture time.
func (r Result) CaptureFailed() bool {
	return r.HoldStatus == models.HoldReleasedCaptureFailed
}

// Manager reserves credits at job creation without touching the ledger, and
// later converts the reservation into a real debit or a no-op release,
// exactly once.
type Manager struct {
	jobs   JobStore
	ledger Ledger
}

func NewManager(jobs JobStore, ledgerSvc Ledger) *Manager {
	return &Manager{jobs: jobs, ledger: ledgerSvc}
}

// CreateHold is a soft, read-only funds check. It does not lock anything:
// the hard guard is the ledger's negative-balance rejection at capture time,
// since the balance can change between hold creation and capture.
func (m *Manager) CreateHold(ctx context.Context, userID, category string, estimatedCost int64) error {
	balances, err := m.ledger.GetBalances(ctx, userID)
	if err != nil {
		return fmt.Errorf("check balance: %w", err)
	}
	if balances[category] < estimatedCost {
		return ledger.ErrInsufficientBalance
	}
	return nil
}

// Finalize resolves a job's hold. Safe to call repeatedly: a finalized hold
// returns its prior result, and the capture debit is idempotent by job id, so
// a webhook/sweeper race cannot double-bill.
func (m *Manager) Finalize(ctx context.Context, jobID uuid.UUID, outcome Outcome) (Result, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.HoldStatus != models.HoldPending {
		return Result{HoldStatus: job.HoldStatus, Billed: job.Billed, Replayed: true}, nil
	}

	if !outcome.captured || outcome.actualCost <= 0 {
		status := models.HoldReleasedNothingToBill
		meta := outcome.meta
		if !outcome.captured {
			status = "released_" + outcome.reason
			meta, _ = json.Marshal(map[string]string{"reason": outcome.reason})
		}
		return m.settle(ctx, job, status, false, nil, meta)
	}

	entry, err := m.ledger.WriteEntry(ctx, ledger.WriteParams{
		UserID:    job.UserID,
		Category:  job.Category,
		Direction: models.DirectionDebit,
		Amount:    outcome.actualCost,
		Source:    job.Source,
		Reason:    "job capture",
		JobID:     &job.ID,
		Meta:      outcome.meta,
	})
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		// Balance moved between hold and capture. Resolve the hold anyway so
		// the job still reaches a terminal state with nothing reserved.
		return m.settle(ctx, job, models.HoldReleasedCaptureFailed, false, nil, outcome.meta)
	}
	if err != nil {
		return Result{}, fmt.Errorf("capture debit: %w", err)
	}

	res, err := m.settle(ctx, job, models.HoldCaptured, true, entry, outcome.meta)
	if err != nil {
		return res, err
	}
	if res.Replayed && res.HoldStatus != models.HoldCaptured {
		// A release finalize won the CAS after the debit landed. Compensate
		// with a refund credit so a released hold always leaves the ledger
		// net zero. Idempotent by job id like the debit itself.
		refund, err := m.ledger.WriteEntry(ctx, ledger.WriteParams{
			UserID:         job.UserID,
			Category:       job.Category,
			Direction:      models.DirectionCredit,
			Amount:         outcome.actualCost,
			Source:         job.Source,
			Reason:         "capture refund",
			JobID:          &job.ID,
			IdempotencyKey: "refund:" + job.ID.String(),
		})
		if err != nil {
			return res, fmt.Errorf("refund lost capture: %w", err)
		}
		res.Entry = refund
		return res, nil
	}
	res.Entry = entry
	return res, nil
}

// settle applies the hold CAS and resolves races by re-reading the loser.
func (m *Manager) settle(ctx context.Context, job *models.Job, holdStatus string, billed bool, entry *models.LedgerEntry, meta json.RawMessage) (Result, error) {
	won, err := m.jobs.FinalizeHold(ctx, job.ID, holdStatus, billed, meta)
	if err != nil {
		return Result{}, err
	}
	if !won {
		current, err := m.jobs.GetByID(ctx, job.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{HoldStatus: current.HoldStatus, Billed: current.Billed, Replayed: true}, nil
	}
	return Result{HoldStatus: holdStatus, Billed: billed, Entry: entry}, nil
}
