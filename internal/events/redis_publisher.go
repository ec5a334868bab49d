package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends booking events to a Redis stream.
type RedisStreamPublisher struct {
	client RedisStreamClient
	stream string
	maxLen int64
}

// RedisStreamClient is the minimal client surface used by the publisher.
type RedisStreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// NewRedisStreamPublisher constructs a Redis-backed event publisher.
func NewRedisStreamPublisher(client RedisStreamClient, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "booking_events"
	}
	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// Publish appends the event to the stream.
func (p *RedisStreamPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	values := map[string]any{
		"type":    ev.Type,
		"saga_id": ev.SagaID,
		"at":      ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.BookingID != "" {
		values["booking_id"] = ev.BookingID
	}
	if ev.InvoiceNumber != "" {
		values["invoice_number"] = ev.InvoiceNumber
	}
	if ev.ReasonCode != "" {
		values["reason_code"] = ev.ReasonCode
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	return p.client.XAdd(ctx, args).Err()
}
