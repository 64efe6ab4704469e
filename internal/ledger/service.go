package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/models"
)

var (
	// ErrInvalidArgument is returned for malformed write parameters.
	ErrInvalidArgument = errors.New("invalid ledger argument")
	// ErrInsufficientBalance is returned when a debit would push a balance
	// below zero. This is a normal, caller-recoverable condition.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrCorrupt is returned when an idempotency key exists without its
	// ledger entry. Impossible under a correct transactional store, so it is
	// surfaced loudly rather than patched over.
	ErrCorrupt = errors.New("ledger integrity violation: idempotency key without entry")
)

// WriteParams describes one accounting event.
type WriteParams struct {
	UserID         string
	Category       string
	Direction      string
	Amount         int64
	Source         string
	Reason         string
	JobID          *uuid.UUID
	PaymentID      *string
	InvoiceID      *string
	Meta           json.RawMessage
	IdempotencyKey string
	CreatedBy      string
}

// Query selects a page of ledger entries, newest first.
type Query struct {
	UserID    string
	Category  string
	Direction string
	Source    string
	JobID     *uuid.UUID
	PaymentID string
	From      *time.Time
	To        *time.Time
	Limit     int
	Cursor    string
}

// Store is the transactional persistence contract the service writes through.
// InsertEntry must atomically detect replays, mutate the balance, and append
// the entry; the returned bool reports whether an existing entry was reused.
type Store interface {
	InsertEntry(ctx context.Context, e *models.LedgerEntry) (*models.LedgerEntry, bool, error)
	QueryEntries(ctx context.Context, q Query) ([]*models.LedgerEntry, string, error)
	GetBalances(ctx context.Context, userID string) (map[string]int64, error)
	SeedOpeningEntries(ctx context.Context, userID string) error
}

type Service interface {
	WriteEntry(ctx context.Context, p WriteParams) (*models.LedgerEntry, error)
	QueryEntries(ctx context.Context, q Query) ([]*models.LedgerEntry, string, error)
	GetBalances(ctx context.Context, userID string) (map[string]int64, error)
}

type service struct {
	store Store
}

func NewService(store Store) Service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

// BuildIdempotencyKey derives a deterministic key from the event's natural
// identifiers. Callers with neither a jobID nor a paymentID fall back to a
// random key and therefore get no replay protection.
func BuildIdempotencyKey(direction, source string, jobID *uuid.UUID, paymentID *string) string {
	if jobID != nil {
		return fmt.Sprintf("%s:%s:%s", direction, source, jobID)
	}
	if paymentID != nil && *paymentID != "" {
		return fmt.Sprintf("%s:%s:%s", direction, source, *paymentID)
	}
	return fmt.Sprintf("%s:%s:%s", direction, source, uuid.NewString())
}

func (s *service) WriteEntry(ctx context.Context, p WriteParams) (*models.LedgerEntry, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	if !models.ValidCategory(p.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidArgument, p.Category)
	}
	if !models.ValidDirection(p.Direction) {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidArgument, p.Direction)
	}
	if !models.ValidSource(p.Source) {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidArgument, p.Source)
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidArgument)
	}

	key := p.IdempotencyKey
	if key == "" {
		key = BuildIdempotencyKey(p.Direction, p.Source, p.JobID, p.PaymentID)
	}
	createdBy := p.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		UserID:         p.UserID,
		Category:       p.Category,
		Direction:      p.Direction,
		Amount:         p.Amount,
		Source:         p.Source,
		Reason:         p.Reason,
		JobID:          p.JobID,
		PaymentID:      p.PaymentID,
		InvoiceID:      p.InvoiceID,
		Meta:           p.Meta,
		IdempotencyKey: key,
		CreatedBy:      createdBy,
	}

	written, _, err := s.store.InsertEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (s *service) QueryEntries(ctx context.Context, q Query) ([]*models.LedgerEntry, string, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	if q.UserID != "" {
		// Lazy opening-balance backfill for users whose balance predates the
		// ledger. Best effort; the query proceeds either way.
		_ = s.store.SeedOpeningEntries(ctx, q.UserID)
	}
	return s.store.QueryEntries(ctx, q)
}

func (s *service) GetBalances(ctx context.Context, userID string) (map[string]int64, error) {
	return s.store.GetBalances(ctx, userID)
}
