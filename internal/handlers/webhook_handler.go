package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/renderloom/backend/internal/callback"
	"github.com/renderloom/backend/internal/payments"
	"github.com/renderloom/backend/internal/provider"
	"github.com/renderloom/backend/internal/reconcile"
)

const maxWebhookBody = 1 << 20

// WebhookHandler serves the provider and payment webhook endpoints. Both
// verify the raw body before anything else touches state.
type WebhookHandler struct {
	ProviderSecret string
	CallbackSecret []byte
	Reconciler     *reconcile.Reconciler
	Payments       *payments.Service
	Logger         *slog.Logger
}

// ProviderWebhook handles POST /v1/webhooks/provider. An unverifiable
// request gets 401 with no state change; replays and unknown prediction ids
// are acknowledged so the provider stops retrying.
func (h *WebhookHandler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	if !provider.VerifySignature(h.ProviderSecret, raw, r.Header.Get("X-Webhook-Signature")) {
		h.Logger.Warn("provider webhook signature rejected")
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	sig := provider.ParseSignal(raw)

	// The token query parameter binds the callback to a job id, covering
	// payloads whose provider id we never stored.
	if tok := r.URL.Query().Get("token"); tok != "" {
		jobID, err := callback.ParseToken(h.CallbackSecret, tok)
		if err != nil {
			h.Logger.Warn("callback token rejected", "error", err)
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		if err := h.Reconciler.HandleSignalForJob(r.Context(), jobID, sig); err != nil {
			h.Logger.Error("reconcile webhook signal", "job_id", jobID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if err := h.Reconciler.HandleSignal(r.Context(), sig); err != nil {
		h.Logger.Error("reconcile webhook signal", "provider_id", sig.ProviderID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// PaymentWebhook handles POST /v1/webhooks/payment.
func (h *WebhookHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
		return
	}

	_, err = h.Payments.HandleWebhook(r.Context(), raw, r.Header.Get("X-Payment-Signature"))
	if errors.Is(err, payments.ErrBadSignature) {
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}
	if errors.Is(err, payments.ErrMalformedEvent) {
		http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.Logger.Error("payment webhook", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
