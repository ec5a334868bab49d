package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"itinero/internal/booking"
)

// Handler exposes the booking saga lifecycle over HTTP.
type Handler struct {
	orchestrator *booking.Orchestrator
	logger       *slog.Logger
}

// NewHandler constructs the HTTP handler.
func NewHandler(orchestrator *booking.Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orchestrator: orchestrator, logger: logger}
}

// CreateSaga accepts a priced booking request, creates the saga, and launches
// it detached from the request. A replayed idempotency key returns the
// existing saga with 200 instead of 201; no new side effects are produced.
func (h *Handler) CreateSaga(w http.ResponseWriter, r *http.Request) {
	var req createSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	inst, created, err := h.orchestrator.Start(r.Context(), booking.Request{
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		ListingID:      req.ListingID,
		ListingType:    booking.ListingType(req.ListingType),
		StartsAt:       req.StartsAt,
		EndsAt:         req.EndsAt,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Instrument:     req.Instrument,
	})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	if created {
		h.logger.Info("saga accepted", "saga_id", inst.SagaID, "listing_id", inst.ListingID)
		h.orchestrator.Launch(inst)
		writeJSON(w, http.StatusCreated, mapSagaToResponse(inst, nil))
		return
	}

	existing, steps, err := h.orchestrator.GetStatus(r.Context(), inst.SagaID)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(existing, steps))
}

// GetSaga returns the saga and its step history.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		writeError(w, http.StatusBadRequest, "saga_id_required", "")
		return
	}

	inst, steps, err := h.orchestrator.GetStatus(r.Context(), sagaID)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(inst, steps))
}

// CancelSaga routes a non-terminal saga into compensation.
func (h *Handler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		writeError(w, http.StatusBadRequest, "saga_id_required", "")
		return
	}

	if err := h.orchestrator.Cancel(r.Context(), sagaID); err != nil {
		h.writeBookingError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, booking.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, booking.ErrCancelNotAllowed):
		writeError(w, http.StatusConflict, "cancel_not_allowed", err.Error())
	case errors.Is(err, booking.ErrSagaNotFound):
		writeError(w, http.StatusNotFound, "saga_not_found", err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:   code,
		Message: msg,
	})
}
