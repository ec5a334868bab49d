package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// BillingClient talks to the billing ledger over REST.
type BillingClient struct {
	baseClient
}

// NewBillingClient constructs a client for the billing ledger.
func NewBillingClient(baseURL string, timeout time.Duration) *BillingClient {
	return &BillingClient{baseClient: newBaseClient(baseURL, timeout, nil)}
}

type billRequest struct {
	SagaID   string  `json:"saga_id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type billResponse struct {
	InvoiceNumber string `json:"invoice_number"`
}

func (b *BillingClient) WriteBill(ctx context.Context, sagaID string, amount float64, currency string) (string, error) {
	req := billRequest{SagaID: sagaID, Amount: amount, Currency: currency}

	var resp billResponse
	if err := b.do(ctx, http.MethodPost, "/bills", sagaID, req, &resp); err != nil {
		return "", err
	}
	return resp.InvoiceNumber, nil
}

func (b *BillingClient) VoidBill(ctx context.Context, invoiceNumber string) error {
	path := "/bills/" + url.PathEscape(invoiceNumber) + "/void"
	err := b.do(ctx, http.MethodPost, path, invoiceNumber, nil, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

func (b *BillingClient) LookupBill(ctx context.Context, sagaID string) (string, bool, error) {
	var resp billResponse
	err := b.do(ctx, http.MethodGet, "/bills?saga_id="+url.QueryEscape(sagaID), "", nil, &resp)
	if errors.Is(err, errNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.InvoiceNumber, true, nil
}
