/**
 * @description
 * HTTP handlers for the lifecycle service: the reconciliation trigger and the
 * ledger read/audit endpoints.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hostpanel/lifecycle-service/internal/app"
	"github.com/hostpanel/lifecycle-service/internal/domain"
	"github.com/hostpanel/lifecycle-service/internal/ledger"
)

// ReconcileTrigger runs one single-flight reconciliation pass.
type ReconcileTrigger interface {
	RunOnce(ctx context.Context, now time.Time) (domain.PassSummary, error)
}

// LedgerService is the slice of the ledger the HTTP layer uses.
type LedgerService interface {
	Post(ctx context.Context, req ledger.PostRequest) (domain.LedgerEntry, error)
	Query(ctx context.Context, filter domain.LedgerFilter, page, limit int) (domain.LedgerPage, error)
	Balance(ctx context.Context, userID uuid.UUID) (domain.UserBalance, error)
	VerifyChain(ctx context.Context, userID uuid.UUID) error
}

// Handler holds the services that handlers will interact with.
type Handler struct {
	trigger ReconcileTrigger
	ledger  LedgerService
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(trigger ReconcileTrigger, ledgerService LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		trigger: trigger,
		ledger:  ledgerService,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type runResponse struct {
	Success    bool                `json:"success"`
	Skipped    bool                `json:"skipped,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	RunID      *uuid.UUID          `json:"run_id,omitempty"`
	Backfilled *int                `json:"backfilled,omitempty"`
	Billing    *domain.PhaseResult `json:"billing,omitempty"`
	Charges    *int                `json:"charges,omitempty"`
	Deferred   *int                `json:"deferred,omitempty"`
	Suspend    *domain.PhaseResult `json:"suspend,omitempty"`
	Delete     *domain.PhaseResult `json:"delete,omitempty"`
	Failed     *int                `json:"failed,omitempty"`
	// Interrupted marks a pass cut short by its timeout; the counts cover the work done.
	Interrupted bool `json:"interrupted,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) handleRunLifecycle(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort a pass halfway through a phase.
	ctx := context.WithoutCancel(r.Context())
	now := h.now()

	summary, err := h.trigger.RunOnce(ctx, now)
	if errors.Is(err, app.ErrSkipped) {
		respondWithJSON(w, http.StatusOK, runResponse{Success: true, Skipped: true, Timestamp: now})
		return
	}
	if err != nil {
		h.logger.Error("lifecycle reconciliation failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if summary.Interrupted {
		h.logger.Warn("lifecycle reconciliation pass was interrupted", "run_id", summary.RunID)
	}
	failed := summary.Failed()
	respondWithJSON(w, http.StatusOK, runResponse{
		Success:    true,
		Timestamp:  summary.FinishedAt,
		RunID:      &summary.RunID,
		Backfilled: &summary.Backfill.Mutated,
		Billing:    &summary.Billing,
		Charges:    &summary.Charges,
		Deferred:   &summary.Deferred,
		Suspend:    &summary.Suspend,
		Delete:     &summary.Delete,
		Failed:     &failed,

		Interrupted: summary.Interrupted,
	})
}

func (h *Handler) handleListLedgerEntries(w http.ResponseWriter, r *http.Request) {
	filter, page, limit, err := parseLedgerQuery(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.ledger.Query(r.Context(), filter, page, limit)
	if err != nil {
		h.respondWithLedgerError(w, "query ledger entries", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.respondWithLedgerError(w, "get balance", err)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

type verifyResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Valid  bool      `json:"valid"`
	Error  string    `json:"error,omitempty"`
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	err = h.ledger.VerifyChain(r.Context(), userID)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, verifyResponse{UserID: userID, Valid: true})
	case errors.Is(err, ledger.ErrChainBroken):
		h.logger.Error("ledger chain verification failed", "user_id", userID, "error", err)
		respondWithJSON(w, http.StatusOK, verifyResponse{UserID: userID, Valid: false, Error: err.Error()})
	default:
		h.respondWithLedgerError(w, "verify ledger chain", err)
	}
}

type adjustmentRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	Delta       int64     `json:"delta"`
	ReferenceID string    `json:"reference_id"`
	Message     string    `json:"message"`
}

func (h *Handler) handleCreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondWithError(w, http.StatusBadRequest, "message is required for admin adjustments")
		return
	}

	post := ledger.PostRequest{
		UserID:   req.UserID,
		Delta:    req.Delta,
		Category: domain.CategoryAdminAdjustment,
		Action:   domain.ActionAdjust,
		Message:  &req.Message,
	}
	if req.ReferenceID != "" {
		post.ReferenceID = &req.ReferenceID
	}

	entry, err := h.ledger.Post(r.Context(), post)
	if err != nil {
		h.respondWithLedgerError(w, "post admin adjustment", err)
		return
	}

	admin, _ := AdminFromContext(r.Context())
	h.logger.Info("admin adjustment posted",
		"admin", admin, "user_id", entry.UserID, "entry_id", entry.ID, "delta", entry.Delta)
	respondWithJSON(w, http.StatusCreated, entry)
}

func (h *Handler) respondWithLedgerError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEntry):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error("ledger store unavailable", "action", action, "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "ledger store unavailable")
	default:
		h.logger.Error("ledger request failed", "action", action, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLedgerQuery(r *http.Request) (domain.LedgerFilter, int, int, error) {
	q := r.URL.Query()
	var filter domain.LedgerFilter

	if raw := q.Get("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return filter, 0, 0, errors.New("invalid user_id")
		}
		filter.UserID = &userID
	}
	if raw := q.Get("category"); raw != "" {
		category := domain.SourceCategory(raw)
		if !category.Valid() {
			return filter, 0, 0, errors.New("invalid category")
		}
		filter.Category = &category
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, 0, 0, errors.New("invalid " + bound.name + ": expected RFC3339")
		}
		parsed = parsed.UTC()
		*bound.dst = &parsed
	}

	page, err := optionalInt(q.Get("page"))
	if err != nil {
		return filter, 0, 0, errors.New("invalid page")
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		return filter, 0, 0, errors.New("invalid limit")
	}
	return filter, page, limit, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Success: false, Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to marshal JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
