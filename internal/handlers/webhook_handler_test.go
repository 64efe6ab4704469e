package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/callback"
	"github.com/renderloom/backend/internal/events"
	"github.com/renderloom/backend/internal/holds"
	"github.com/renderloom/backend/internal/jobs"
	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/models"
	"github.com/renderloom/backend/internal/provider"
	"github.com/renderloom/backend/internal/reconcile"
)

type whJobStore struct {
	job *models.Job
}

func (s *whJobStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if s.job != nil && s.job.ID == id {
		cp := *s.job
		return &cp, nil
	}
	return nil, jobs.ErrNotFound
}

func (s *whJobStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.Get(ctx, id)
}

func (s *whJobStore) GetByProviderID(_ context.Context, providerID string) (*models.Job, error) {
	if s.job != nil && s.job.ProviderID != nil && *s.job.ProviderID == providerID {
		cp := *s.job
		return &cp, nil
	}
	return nil, jobs.ErrNotFound
}

func (s *whJobStore) Transition(_ context.Context, id uuid.UUID, to string, errMsg *string, output []models.Artifact) (bool, error) {
	if s.job == nil || s.job.ID != id || !jobs.CanTransition(s.job.Status, to) {
		return false, nil
	}
	s.job.Status = to
	if errMsg != nil {
		s.job.Error = errMsg
	}
	if output != nil {
		s.job.Output = output
	}
	return true, nil
}

func (s *whJobStore) FinalizeHold(_ context.Context, id uuid.UUID, holdStatus string, billed bool, meta json.RawMessage) (bool, error) {
	if s.job == nil || s.job.ID != id || s.job.HoldStatus != models.HoldPending {
		return false, nil
	}
	s.job.HoldStatus = holdStatus
	s.job.Billed = billed
	s.job.FinalizeMeta = meta
	return true, nil
}

type whLedger struct {
	balance int64
	writes  int
}

func (l *whLedger) WriteEntry(_ context.Context, p ledger.WriteParams) (*models.LedgerEntry, error) {
	if p.Direction == models.DirectionDebit {
		if l.balance < p.Amount {
			return nil, ledger.ErrInsufficientBalance
		}
		l.balance -= p.Amount
	} else {
		l.balance += p.Amount
	}
	l.writes++
	return &models.LedgerEntry{ID: uuid.New(), Amount: p.Amount, BalanceAfter: l.balance}, nil
}

func (l *whLedger) GetBalances(context.Context, string) (map[string]int64, error) {
	return map[string]int64{models.CategoryImage: l.balance, models.CategoryVideo: 0}, nil
}

type passPersister struct{}

func (passPersister) Persist(_ context.Context, jobID uuid.UUID, index int, _ string) (string, error) {
	return fmt.Sprintf("stored/%s/%d", jobID, index), nil
}

func newWebhookFixture() (*WebhookHandler, *whJobStore, *whLedger) {
	pid := "pred-wh-1"
	store := &whJobStore{job: &models.Job{
		ID:                 uuid.New(),
		UserID:             "u1",
		Category:           models.CategoryImage,
		Source:             models.SourceText2Image,
		Status:             models.JobStatusRunning,
		HoldStatus:         models.HoldPending,
		PricePerArtifact:   10,
		RequestedArtifacts: 1,
		ProviderID:         &pid,
	}}
	led := &whLedger{balance: 100}
	rec := reconcile.NewReconciler(store, holds.NewManager(store, led), passPersister{}, events.Noop{}, slog.Default())
	h := &WebhookHandler{
		ProviderSecret: "prov-secret",
		CallbackSecret: []byte("cb-secret"),
		Reconciler:     rec,
		Logger:         slog.Default(),
	}
	return h, store, led
}

func signedRequest(target, secret string, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("X-Webhook-Signature", provider.Sign(secret, []byte(body)))
	return req
}

func TestProviderWebhook_SuccessSettlesJob(t *testing.T) {
	h, store, led := newWebhookFixture()
	body := `{"id":"pred-wh-1","status":"succeeded","output":["https://cdn/a.png"]}`

	rr := httptest.NewRecorder()
	h.ProviderWebhook(rr, signedRequest("/v1/webhooks/provider", "prov-secret", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rr.Code, rr.Body.String())
	}
	if store.job.Status != models.JobStatusSucceeded || store.job.HoldStatus != models.HoldCaptured {
		t.Fatalf("job = status %s hold %s", store.job.Status, store.job.HoldStatus)
	}
	if led.balance != 90 {
		t.Fatalf("balance = %d, want 90", led.balance)
	}
}

func TestProviderWebhook_BadSignatureChangesNothing(t *testing.T) {
	h, store, led := newWebhookFixture()
	body := `{"id":"pred-wh-1","status":"succeeded","output":["https://cdn/a.png"]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/provider", strings.NewReader(body))
	req.Header.Set("X-Webhook-Signature", provider.Sign("wrong-secret", []byte(body)))
	rr := httptest.NewRecorder()
	h.ProviderWebhook(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rr.Code)
	}
	if store.job.Status != models.JobStatusRunning || led.writes != 0 {
		t.Fatal("rejected webhook changed state")
	}
}

func TestProviderWebhook_TokenRoutesWithoutProviderID(t *testing.T) {
	h, store, _ := newWebhookFixture()
	tok, err := callback.NewToken([]byte("cb-secret"), store.job.ID, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	// Payload carries no prediction id at all; only the token binds it.
	body := `{"status":"failed","error":"boom"}`
	rr := httptest.NewRecorder()
	h.ProviderWebhook(rr, signedRequest("/v1/webhooks/provider?token="+tok, "prov-secret", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rr.Code, rr.Body.String())
	}
	if store.job.Status != models.JobStatusFailed || store.job.HoldStatus != models.HoldReleasedFailed {
		t.Fatalf("job = status %s hold %s", store.job.Status, store.job.HoldStatus)
	}
}

func TestProviderWebhook_UnknownPredictionAcked(t *testing.T) {
	h, store, led := newWebhookFixture()
	body := `{"id":"pred-other","status":"succeeded","output":["https://cdn/a.png"]}`

	rr := httptest.NewRecorder()
	h.ProviderWebhook(rr, signedRequest("/v1/webhooks/provider", "prov-secret", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 ack", rr.Code)
	}
	if store.job.Status != models.JobStatusRunning || led.writes != 0 {
		t.Fatal("unknown prediction changed state")
	}
}

func TestProviderWebhook_DuplicateDelivery(t *testing.T) {
	h, store, led := newWebhookFixture()
	body := `{"id":"pred-wh-1","status":"succeeded","output":["https://cdn/a.png"]}`

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ProviderWebhook(rr, signedRequest("/v1/webhooks/provider", "prov-secret", body))
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: code = %d", i, rr.Code)
		}
	}
	if led.writes != 1 || led.balance != 90 {
		t.Fatalf("writes=%d balance=%d, want single debit", led.writes, led.balance)
	}
	if store.job.Status != models.JobStatusSucceeded {
		t.Fatalf("status = %s", store.job.Status)
	}
}
