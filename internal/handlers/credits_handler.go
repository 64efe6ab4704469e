package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/renderloom/backend/internal/ledger"
	"github.com/renderloom/backend/internal/middleware"
)

// CreditsHandler serves the /v1/credits read surface.
type CreditsHandler struct {
	Ledger ledger.Service
	Logger *slog.Logger
}

// GetBalance handles GET /v1/credits/balance. Every category is present,
// defaulting to zero.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	balances, err := h.Ledger.GetBalances(r.Context(), userID)
	if err != nil {
		h.Logger.Error("get balances", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balances": balances})
}

type ledgerPageResponse struct {
	Entries    any    `json:"entries"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// GetLedger handles GET /v1/credits/ledger, newest first with an opaque
// cursor.
func (h *CreditsHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	params := r.URL.Query()
	query := ledger.Query{
		UserID:    userID,
		Category:  params.Get("category"),
		Direction: params.Get("direction"),
		Source:    params.Get("source"),
		PaymentID: params.Get("payment_id"),
		Cursor:    params.Get("cursor"),
	}
	if raw := params.Get("job_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid job_id"}`, http.StatusBadRequest)
			return
		}
		query.JobID = &id
	}
	if raw := params.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			query.Limit = n
		}
	}
	var badTime bool
	query.From, badTime = parseTime(params.Get("from"))
	if badTime {
		http.Error(w, `{"error":"invalid from timestamp"}`, http.StatusBadRequest)
		return
	}
	query.To, badTime = parseTime(params.Get("to"))
	if badTime {
		http.Error(w, `{"error":"invalid to timestamp"}`, http.StatusBadRequest)
		return
	}

	entries, next, err := h.Ledger.QueryEntries(r.Context(), query)
	if err != nil {
		h.Logger.Error("query ledger", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ledgerPageResponse{Entries: entries, NextCursor: next})
}

func parseTime(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, true
	}
	return &t, false
}
