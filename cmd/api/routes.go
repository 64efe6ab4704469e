package main

import (
	"log/slog"
	"net/http"

	"github.com/renderloom/backend/internal/handlers"
	"github.com/renderloom/backend/internal/jobs"
	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/middleware"
	"github.com/renderloom/backend/internal/payments"
	"github.com/renderloom/backend/internal/pricing"
	"github.com/renderloom/backend/internal/ratelimit"
	"github.com/renderloom/backend/internal/reconcile"
	"github.com/renderloom/backend/internal/repository"
)

// AppDeps carries the wired services the route table needs.
type AppDeps struct {
	Jobs           jobs.Service
	Pricing        pricing.Service
	Validator      *pricing.Validator
	Ledger         ledger.Service
	Payments       *payments.Service
	Reconciler     *reconcile.Reconciler
	APIKeys        *repository.APIKeyRepo
	Limiter        *ratelimit.Limiter
	ProviderSecret string
	CallbackSecret []byte
	Logger         *slog.Logger
}

// RegisterV1Routes adds the /v1/ API endpoints to the given mux.
// Middleware chain: APIKeyAuth -> (RateLimit on POST /v1/jobs only) -> handler.
// Webhooks authenticate by signature instead of api key.
func RegisterV1Routes(mux *http.ServeMux, d *AppDeps) {
	jh := &handlers.JobHandler{Jobs: d.Jobs, Pricing: d.Pricing, Validator: d.Validator, Logger: d.Logger}
	ch := &handlers.CreditsHandler{Ledger: d.Ledger, Logger: d.Logger}
	ah := &handlers.AdminHandler{Ledger: d.Ledger, Keys: d.APIKeys, Logger: d.Logger}
	wh := &handlers.WebhookHandler{
		ProviderSecret: d.ProviderSecret,
		CallbackSecret: d.CallbackSecret,
		Reconciler:     d.Reconciler,
		Payments:       d.Payments,
		Logger:         d.Logger,
	}

	auth := middleware.APIKeyAuth(d.APIKeys)
	limited := middleware.RateLimit(d.Limiter, d.Logger)

	// POST /v1/jobs: Auth -> RateLimit -> CreateJob
	mux.Handle("POST /v1/jobs", auth(limited(http.HandlerFunc(jh.CreateJob))))
	mux.Handle("GET /v1/jobs/{id}", auth(http.HandlerFunc(jh.GetJob)))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(jh.ListJobs)))
	mux.Handle("POST /v1/jobs/{id}/cancel", auth(http.HandlerFunc(jh.CancelJob)))

	mux.Handle("GET /v1/credits/balance", auth(http.HandlerFunc(ch.GetBalance)))
	mux.Handle("GET /v1/credits/ledger", auth(http.HandlerFunc(ch.GetLedger)))

	mux.Handle("POST /v1/admin/credits/adjust", auth(middleware.RequireAdmin(http.HandlerFunc(ah.AdjustCredits))))
	mux.Handle("POST /v1/admin/keys", auth(middleware.RequireAdmin(http.HandlerFunc(ah.CreateAPIKey))))
	mux.Handle("POST /v1/admin/keys/{id}/revoke", auth(middleware.RequireAdmin(http.HandlerFunc(ah.RevokeAPIKey))))

	// Signature-verified callbacks, no api key.
	mux.HandleFunc("POST /v1/webhooks/provider", wh.ProviderWebhook)
	mux.HandleFunc("POST /v1/webhooks/payment", wh.PaymentWebhook)

	// Public catalog.
	mux.HandleFunc("GET /v1/models", jh.ListModels)
}
