// Package events publishes booking lifecycle events for downstream
// notification and logging consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the orchestrator.
const (
	TypeBookingCompleted = "booking.completed"
	TypeBookingFailed    = "booking.failed"
)

// Event is one booking lifecycle notification.
type Event struct {
	Type          string    `json:"type"`
	SagaID        string    `json:"saga_id"`
	BookingID     string    `json:"booking_id,omitempty"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	ReasonCode    string    `json:"reason_code,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher abstracts publishing booking events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Broadcaster pushes raw messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher forwards events to the bus and broadcasts them.
type FanoutPublisher struct {
	bus         Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher that fan-outs to the bus and
// broadcaster. Either may be nil.
func NewFanoutPublisher(bus Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{bus: bus, broadcaster: broadcaster}
}

// Publish writes to the bus then broadcasts the serialized event.
func (p *FanoutPublisher) Publish(ctx context.Context, ev Event) error {
	if p.bus != nil {
		if err := p.bus.Publish(ctx, ev); err != nil {
			return err
		}
	}

	if p.broadcaster != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		p.broadcaster.Broadcast(data)
	}

	return nil
}

// LocalPublisher collects events in memory.
type LocalPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewLocalPublisher constructs an in-memory publisher.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{}
}

// Publish appends the event.
func (p *LocalPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (p *LocalPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
