package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"itinero/internal/booking"
)

// ReservationClient talks to the reservation manager over REST.
type ReservationClient struct {
	baseClient
}

// NewReservationClient constructs a client for the reservation manager.
func NewReservationClient(baseURL string, timeout time.Duration) *ReservationClient {
	return &ReservationClient{baseClient: newBaseClient(baseURL, timeout, nil)}
}

type reserveRequest struct {
	SagaID    string    `json:"saga_id"`
	ListingID string    `json:"listing_id"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	TTLSec    int64     `json:"ttl_sec"`
}

type holdResponse struct {
	HoldToken string    `json:"hold_token"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *ReservationClient) Reserve(ctx context.Context, sagaID, listingID string, startsAt, endsAt time.Time, ttl time.Duration) (booking.Hold, error) {
	req := reserveRequest{
		SagaID:    sagaID,
		ListingID: listingID,
		StartsAt:  startsAt,
		EndsAt:    endsAt,
		TTLSec:    int64(ttl / time.Second),
	}

	var resp holdResponse
	if err := r.do(ctx, http.MethodPost, "/reservations", sagaID, req, &resp); err != nil {
		return booking.Hold{}, err
	}
	return booking.Hold{Token: resp.HoldToken, Status: resp.Status, ExpiresAt: resp.ExpiresAt}, nil
}

func (r *ReservationClient) Consume(ctx context.Context, holdToken string) error {
	path := "/reservations/" + url.PathEscape(holdToken) + "/consume"
	return r.do(ctx, http.MethodPost, path, holdToken, nil, nil)
}

func (r *ReservationClient) Release(ctx context.Context, holdToken string) error {
	path := "/reservations/" + url.PathEscape(holdToken) + "/release"
	err := r.do(ctx, http.MethodPost, path, holdToken, nil, nil)
	if errors.Is(err, errNotFound) {
		// An unknown or expired hold needs no release.
		return nil
	}
	return err
}

func (r *ReservationClient) LookupHold(ctx context.Context, sagaID string) (booking.Hold, bool, error) {
	var resp holdResponse
	err := r.do(ctx, http.MethodGet, "/reservations?saga_id="+url.QueryEscape(sagaID), "", nil, &resp)
	if errors.Is(err, errNotFound) {
		return booking.Hold{}, false, nil
	}
	if err != nil {
		return booking.Hold{}, false, err
	}
	return booking.Hold{Token: resp.HoldToken, Status: resp.Status, ExpiresAt: resp.ExpiresAt}, true, nil
}
