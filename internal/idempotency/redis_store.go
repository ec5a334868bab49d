package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"itinero/internal/booking"
)

// RedisOutcomeStore caches terminal saga results keyed by idempotency key.
// It fronts the saga table: a cache miss falls through to the durable
// insert-if-absent, so eviction costs latency, not correctness.
type RedisOutcomeStore struct {
	client    RedisOutcomeClient
	keyPrefix string
	ttl       time.Duration
}

// RedisOutcomeClient is the minimal client surface used by RedisOutcomeStore.
type RedisOutcomeClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type cachedResult struct {
	SagaID        string `json:"saga_id"`
	State         string `json:"state"`
	BookingID     string `json:"booking_id,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	ReasonCode    string `json:"reason_code,omitempty"`
}

// NewRedisOutcomeStore constructs a Redis-backed outcome cache.
func NewRedisOutcomeStore(client RedisOutcomeClient, ttl time.Duration) *RedisOutcomeStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisOutcomeStore{
		client:    client,
		keyPrefix: "booking:outcome:",
		ttl:       ttl,
	}
}

// Get returns the cached terminal result for an idempotency key, if present.
func (r *RedisOutcomeStore) Get(ctx context.Context, key string) (booking.Result, bool, error) {
	raw, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return booking.Result{}, false, nil
		}
		return booking.Result{}, false, err
	}

	var cached cachedResult
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		// A corrupt entry is treated as a miss; the saga table remains
		// the source of truth.
		return booking.Result{}, false, nil
	}

	return booking.Result{
		SagaID:        cached.SagaID,
		State:         booking.State(cached.State),
		BookingID:     cached.BookingID,
		InvoiceNumber: cached.InvoiceNumber,
		ReasonCode:    cached.ReasonCode,
	}, true, nil
}

// Put stores a terminal result under the idempotency key with the cache TTL.
func (r *RedisOutcomeStore) Put(ctx context.Context, key string, res booking.Result) error {
	payload, err := json.Marshal(cachedResult{
		SagaID:        res.SagaID,
		State:         string(res.State),
		BookingID:     res.BookingID,
		InvoiceNumber: res.InvoiceNumber,
		ReasonCode:    res.ReasonCode,
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.keyPrefix+key, payload, r.ttl).Err()
}
