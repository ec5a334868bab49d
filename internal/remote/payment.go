package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"itinero/internal/booking"
)

// PaymentClient talks to the payment capability over REST. Declines come
// back as 402, throttling and outages as 429/503; both are translated into
// the booking error taxonomy by the shared status mapping.
type PaymentClient struct {
	baseClient
}

// NewPaymentClient constructs a client for the payment capability.
func NewPaymentClient(baseURL string, timeout time.Duration) *PaymentClient {
	return &PaymentClient{baseClient: newBaseClient(baseURL, timeout, booking.ErrPaymentUnavailable)}
}

type authorizeRequest struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Instrument string  `json:"instrument"`
}

type authorizeResponse struct {
	AuthorizationID string `json:"authorization_id"`
}

type captureResponse struct {
	CaptureID string `json:"capture_id"`
}

type refundRequest struct {
	Amount float64 `json:"amount"`
}

func (p *PaymentClient) Authorize(ctx context.Context, amount float64, currency, instrument, idemKey string) (string, error) {
	req := authorizeRequest{Amount: amount, Currency: currency, Instrument: instrument}

	var resp authorizeResponse
	if err := p.do(ctx, http.MethodPost, "/authorizations", idemKey, req, &resp); err != nil {
		return "", err
	}
	return resp.AuthorizationID, nil
}

func (p *PaymentClient) Capture(ctx context.Context, authID, idemKey string) (string, error) {
	path := "/authorizations/" + url.PathEscape(authID) + "/capture"

	var resp captureResponse
	if err := p.do(ctx, http.MethodPost, path, idemKey, nil, &resp); err != nil {
		return "", err
	}
	return resp.CaptureID, nil
}

func (p *PaymentClient) Void(ctx context.Context, authID string) error {
	path := "/authorizations/" + url.PathEscape(authID) + "/void"
	err := p.do(ctx, http.MethodPost, path, authID, nil, nil)
	if errors.Is(err, errNotFound) {
		// Voiding an authorization the capability never recorded is a no-op.
		return nil
	}
	return err
}

func (p *PaymentClient) Refund(ctx context.Context, captureID string, amount float64) error {
	path := "/captures/" + url.PathEscape(captureID) + "/refund"
	return p.do(ctx, http.MethodPost, path, captureID, refundRequest{Amount: amount}, nil)
}

func (p *PaymentClient) LookupAuthorization(ctx context.Context, idemKey string) (string, bool, error) {
	var resp authorizeResponse
	err := p.do(ctx, http.MethodGet, "/authorizations?idempotency_key="+url.QueryEscape(idemKey), "", nil, &resp)
	if errors.Is(err, errNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.AuthorizationID, true, nil
}

func (p *PaymentClient) LookupCapture(ctx context.Context, idemKey string) (string, bool, error) {
	var resp captureResponse
	err := p.do(ctx, http.MethodGet, "/captures?idempotency_key="+url.QueryEscape(idemKey), "", nil, &resp)
	if errors.Is(err, errNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.CaptureID, true, nil
}
