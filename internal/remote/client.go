package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"itinero/internal/booking"
)

const defaultTimeout = 5 * time.Second

// baseClient carries the shared HTTP plumbing for the downstream capability
// clients. Mutating calls echo the client-generated idempotency key in the
// Idempotency-Key header so downstream retries have exactly-once effect.
type baseClient struct {
	baseURL string
	client  *http.Client

	// unavailable is the error surfaced for 503/429 responses; the payment
	// client maps these to booking.ErrPaymentUnavailable, the others to a
	// generic transient failure.
	unavailable error
}

func newBaseClient(baseURL string, timeout time.Duration, unavailable error) baseClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if unavailable == nil {
		unavailable = booking.ErrDownstreamTimeout
	}
	return baseClient{
		baseURL:     baseURL,
		client:      &http.Client{Timeout: timeout},
		unavailable: unavailable,
	}
}

// do sends a JSON request and decodes a JSON response into out (when out is
// non-nil). Non-2xx statuses map onto the booking error taxonomy.
func (c baseClient) do(ctx context.Context, method, path, idemKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", booking.ErrDownstreamTimeout, err)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %v", booking.ErrDownstreamTimeout, err)
		}
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.mapStatus(resp.StatusCode); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errNotFound is internal to the package: lookups translate it into the
// (zero value, false, nil) miss convention.
var errNotFound = errors.New("not found")

func (c baseClient) mapStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		return booking.ErrInventoryConflict
	case code == http.StatusPaymentRequired:
		return booking.ErrPaymentDeclined
	case code == http.StatusNotFound:
		return errNotFound
	case code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests:
		return c.unavailable
	case code == http.StatusGatewayTimeout:
		return booking.ErrDownstreamTimeout
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
