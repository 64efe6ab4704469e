package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/models"
	"github.com/renderloom/backend/internal/provider"
)

// ErrBadSignature rejects webhooks whose HMAC does not match.
var ErrBadSignature = errors.New("invalid payment webhook signature")

// ErrMalformedEvent rejects captured events missing required fields.
var ErrMalformedEvent = errors.New("malformed payment event")

// Ledger is the credit-writing slice the payment webhook needs.
type Ledger interface {
	WriteEntry(ctx context.Context, p ledger.WriteParams) (*models.LedgerEntry, error)
}

// Service turns verified payment-captured events into purchase credits,
// idempotent by payment id. Replays return the original entry.
type Service struct {
	secret string
	ledger Ledger
	logger *slog.Logger
}

func NewService(webhookSecret string, ledgerSvc Ledger, logger *slog.Logger) *Service {
	return &Service{secret: webhookSecret, ledger: ledgerSvc, logger: logger}
}

// HandleWebhook verifies the raw body signature and applies the event.
// Events other than payment.captured are acknowledged without effect.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*models.LedgerEntry, error) {
	if !provider.VerifySignature(s.secret, rawBody, signature) {
		return nil, ErrBadSignature
	}

	event := gjson.GetBytes(rawBody, "event").String()
	if event != "payment.captured" {
		s.logger.Info("payment event ignored", "event", event)
		return nil, nil
	}

	payment := gjson.GetBytes(rawBody, "payload.payment.entity")
	paymentID := payment.Get("id").String()
	userID := payment.Get("notes.user_id").String()
	category := payment.Get("notes.category").String()
	credits := payment.Get("notes.credits").Int()
	if paymentID == "" || userID == "" || credits <= 0 || !models.ValidCategory(category) {
		return nil, fmt.Errorf("%w: payment %q user %q category %q credits %d",
			ErrMalformedEvent, paymentID, userID, category, credits)
	}

	entry, err := s.ledger.WriteEntry(ctx, ledger.WriteParams{
		UserID:    userID,
		Category:  category,
		Direction: models.DirectionCredit,
		Amount:    credits,
		Source:    models.SourcePurchase,
		Reason:    "payment captured",
		PaymentID: &paymentID,
		CreatedBy: "payment-webhook",
	})
	if err != nil {
		return nil, fmt.Errorf("credit purchase: %w", err)
	}
	s.logger.Info("purchase credited", "payment_id", paymentID, "user_id", userID, "credits", credits)
	return entry, nil
}
