package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"itinero/internal/booking"
	"itinero/internal/events"
)

type testServer struct {
	router       http.Handler
	orchestrator *booking.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orchestrator := booking.NewOrchestrator(booking.OrchestratorConfig{
		Store:        booking.NewMemorySagaStore(),
		Reservations: booking.NewMemoryReservationClient(),
		Payments:     booking.NewMemoryPaymentClient(),
		Billing:      booking.NewMemoryBillingClient(),
		Outcomes:     booking.NewMemoryOutcomeCache(),
		Publisher:    events.NewLocalPublisher(),
		Retry:        booking.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Logger:       logger,
	})

	handler := NewHandler(orchestrator, logger)
	return &testServer{
		router:       NewRouter(handler, nil),
		orchestrator: orchestrator,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func bookingPayload(key string) map[string]any {
	return map[string]any{
		"idempotency_key": key,
		"user_id":         "user-1",
		"listing_id":      "flight-LH123",
		"listing_type":    "flight",
		"starts_at":       "2026-09-01T10:00:00Z",
		"ends_at":         "2026-09-01T14:00:00Z",
		"amount":          249.99,
		"currency":        "EUR",
		"instrument":      "card-tok-1",
	}
}

func decodeSaga(t *testing.T, rec *httptest.ResponseRecorder) sagaResponse {
	t.Helper()
	var resp sagaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestCreateSaga_AcceptedThenReplay(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/sagas", bookingPayload("k1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	first := decodeSaga(t, rec)
	if first.SagaID == "" {
		t.Fatalf("missing saga id: %+v", first)
	}

	if err := srv.orchestrator.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec = srv.do(t, http.MethodPost, "/sagas", bookingPayload("k1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body %s", rec.Code, rec.Body.String())
	}
	replay := decodeSaga(t, rec)
	if replay.SagaID != first.SagaID {
		t.Fatalf("replay returned a different saga: %s vs %s", replay.SagaID, first.SagaID)
	}
	if replay.State != string(booking.StateCompleted) {
		t.Fatalf("replay state = %s", replay.State)
	}
	if replay.BookingID == "" || replay.InvoiceNumber == "" {
		t.Fatalf("missing booking references: %+v", replay)
	}
}

func TestCreateSaga_HeaderKeyOverridesBody(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/sagas", bookingPayload("body-key"), map[string]string{
		"Idempotency-Key": "header-key",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := srv.orchestrator.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// The body key was never used, so it creates a fresh saga on a
	// different listing window.
	payload := bookingPayload("body-key")
	payload["listing_id"] = "hotel-9"
	rec = srv.do(t, http.MethodPost, "/sagas", payload, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("body-key status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := srv.orchestrator.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestCreateSaga_Validation(t *testing.T) {
	srv := newTestServer(t)

	payload := bookingPayload("k1")
	payload["amount"] = 0
	rec := srv.do(t, http.MethodPost, "/sagas", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Error != "validation_error" {
		t.Fatalf("error code = %s", resp.Error)
	}
}

func TestCreateSaga_IdempotencyConflict(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/sagas", bookingPayload("k1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := srv.orchestrator.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	payload := bookingPayload("k1")
	payload["amount"] = 999.99
	rec = srv.do(t, http.MethodPost, "/sagas", payload, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGetSaga(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/sagas", bookingPayload("k1"), nil)
	created := decodeSaga(t, rec)
	if err := srv.orchestrator.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec = srv.do(t, http.MethodGet, "/sagas/"+created.SagaID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeSaga(t, rec)
	if got.State != string(booking.StateCompleted) {
		t.Fatalf("state = %s", got.State)
	}
	if len(got.Steps) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(got.Steps))
	}
	for _, step := range got.Steps {
		if step.Status != string(booking.StepSucceeded) {
			t.Fatalf("step %s status = %s", step.Step, step.Status)
		}
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/sagas/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCancelSaga(t *testing.T) {
	srv := newTestServer(t)

	// Created but never launched, so it is still cancellable.
	inst, created, err := srv.orchestrator.Start(context.Background(), booking.Request{
		IdempotencyKey: "k-cancel",
		UserID:         "user-1",
		ListingID:      "car-7",
		ListingType:    booking.ListingCar,
		StartsAt:       time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		EndsAt:         time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC),
		Amount:         59.99,
		Currency:       "EUR",
		Instrument:     "card-tok-1",
	})
	if err != nil || !created {
		t.Fatalf("start: created=%v err=%v", created, err)
	}

	rec := srv.do(t, http.MethodPost, "/sagas/"+inst.SagaID+"/cancel", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := srv.orchestrator.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec = srv.do(t, http.MethodGet, "/sagas/"+inst.SagaID, nil, nil)
	got := decodeSaga(t, rec)
	if got.State != string(booking.StateFailed) {
		t.Fatalf("state after cancel = %s", got.State)
	}
	if got.ReasonCode != "cancelled" {
		t.Fatalf("reason = %s", got.ReasonCode)
	}

	// A terminal saga cannot be cancelled again.
	rec = srv.do(t, http.MethodPost, "/sagas/"+inst.SagaID+"/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
