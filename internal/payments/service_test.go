package payments

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/models"
	"github.com/renderloom/backend/internal/provider"
)

type memLedger struct {
	mu    sync.Mutex
	byKey map[string]*models.LedgerEntry
}

func (l *memLedger) WriteEntry(_ context.Context, p ledger.WriteParams) (*models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledger.BuildIdempotencyKey(p.Direction, p.Source, p.JobID, p.PaymentID)
	if e, ok := l.byKey[key]; ok {
		return e, nil
	}
	e := &models.LedgerEntry{ID: uuid.New(), UserID: p.UserID, Category: p.Category, Amount: p.Amount, IdempotencyKey: key}
	l.byKey[key] = e
	return e, nil
}

const capturedBody = `{
	"event": "payment.captured",
	"payload": {"payment": {"entity": {
		"id": "pay_123",
		"amount": 49900,
		"notes": {"user_id": "u1", "category": "image", "credits": "500"}
	}}}
}`

func TestHandleWebhook_CreditsOnceOnReplay(t *testing.T) {
	led := &memLedger{byKey: make(map[string]*models.LedgerEntry)}
	svc := NewService("whsec", led, slog.Default())
	body := []byte(capturedBody)
	sig := provider.Sign("whsec", body)

	first, err := svc.HandleWebhook(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first == nil || first.Amount != 500 || first.Category != models.CategoryImage {
		t.Fatalf("entry = %+v", first)
	}

	second, err := svc.HandleWebhook(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay wrote a second entry")
	}
	if len(led.byKey) != 1 {
		t.Fatalf("entries = %d, want 1", len(led.byKey))
	}
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	led := &memLedger{byKey: make(map[string]*models.LedgerEntry)}
	svc := NewService("whsec", led, slog.Default())
	body := []byte(capturedBody)

	if _, err := svc.HandleWebhook(context.Background(), body, provider.Sign("wrong", body)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	if len(led.byKey) != 0 {
		t.Fatal("rejected webhook wrote an entry")
	}
}

func TestHandleWebhook_IgnoresOtherEvents(t *testing.T) {
	led := &memLedger{byKey: make(map[string]*models.LedgerEntry)}
	svc := NewService("whsec", led, slog.Default())
	body := []byte(`{"event":"payment.failed","payload":{}}`)

	entry, err := svc.HandleWebhook(context.Background(), body, provider.Sign("whsec", body))
	if err != nil || entry != nil {
		t.Fatalf("entry=%v err=%v, want ack no-op", entry, err)
	}
}

func TestHandleWebhook_RejectsMalformedCaptured(t *testing.T) {
	led := &memLedger{byKey: make(map[string]*models.LedgerEntry)}
	svc := NewService("whsec", led, slog.Default())
	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9","notes":{"credits":"0"}}}}}`)

	if _, err := svc.HandleWebhook(context.Background(), body, provider.Sign("whsec", body)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}
}
