package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Credit categories. Every balance and ledger entry belongs to exactly one.
const (
	CategoryImage = "image"
	CategoryVideo = "video"
)

// Ledger entry directions.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// Ledger entry sources.
const (
	SourceText2Image      = "text2image"
	SourceImage2Image     = "image2image"
	SourceImage2Video     = "image2video"
	SourcePurchase        = "purchase"
	SourceRefund          = "refund"
	SourceAdminAdjustment = "admin_adjustment"
	SourceBonus           = "bonus"
)

// ValidCategory reports whether c is a known credit category.
func ValidCategory(c string) bool {
	return c == CategoryImage || c == CategoryVideo
}

// ValidDirection reports whether d is a known entry direction.
func ValidDirection(d string) bool {
	return d == DirectionCredit || d == DirectionDebit
}

// ValidSource reports whether s is a known entry source.
func ValidSource(s string) bool {
	switch s {
	case SourceText2Image, SourceImage2Image, SourceImage2Video,
		SourcePurchase, SourceRefund, SourceAdminAdjustment, SourceBonus:
		return true
	}
	return false
}

// Balance is the materialized per-user, per-category counter. It is mutated
// only inside a ledger transaction; the ledger is the source of truth.
type Balance struct {
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one append-only accounting event. Entries are immutable;
// corrections are new offsetting entries.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"user_id"`
	Category       string          `json:"category"`
	Direction      string          `json:"direction"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	Source         string          `json:"source"`
	Reason         string          `json:"reason,omitempty"`
	JobID          *uuid.UUID      `json:"job_id,omitempty"`
	PaymentID      *string         `json:"payment_id,omitempty"`
	InvoiceID      *string         `json:"invoice_id,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SignedAmount returns the delta this entry applied to the balance.
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}
