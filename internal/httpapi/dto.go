package httpapi

import (
	"time"

	"itinero/internal/booking"
)

type createSagaRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	ListingID      string    `json:"listing_id"`
	ListingType    string    `json:"listing_type"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	Instrument     string    `json:"instrument"`
}

type sagaResponse struct {
	SagaID        string         `json:"saga_id"`
	State         string         `json:"state"`
	ReasonCode    string         `json:"reason_code,omitempty"`
	ListingID     string         `json:"listing_id"`
	ListingType   string         `json:"listing_type"`
	StartsAt      time.Time      `json:"starts_at"`
	EndsAt        time.Time      `json:"ends_at"`
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	BookingID     string         `json:"booking_id,omitempty"`
	InvoiceNumber string         `json:"invoice_number,omitempty"`
	Steps         []stepResponse `json:"steps,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type stepResponse struct {
	Step        string    `json:"step"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapSagaToResponse(inst booking.Instance, steps []booking.StepRecord) sagaResponse {
	resp := sagaResponse{
		SagaID:      inst.SagaID,
		State:       string(inst.State),
		ReasonCode:  inst.ReasonCode,
		ListingID:   inst.ListingID,
		ListingType: string(inst.ListingType),
		StartsAt:    inst.StartsAt,
		EndsAt:      inst.EndsAt,
		Amount:      inst.Amount,
		Currency:    inst.Currency,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}
	for _, rec := range steps {
		if rec.Status == booking.StepSucceeded {
			switch rec.Step {
			case booking.StepConfirm:
				resp.BookingID = rec.ExternalRef
			case booking.StepBill:
				resp.InvoiceNumber = rec.ExternalRef
			}
		}
		resp.Steps = append(resp.Steps, stepResponse{
			Step:        string(rec.Step),
			Status:      string(rec.Status),
			Attempts:    rec.Attempts,
			LastError:   rec.LastError,
			ExternalRef: rec.ExternalRef,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return resp
}
