// Package events publishes lease lifecycle notifications. Delivery is best
// effort: a failed publish is logged and never fails the operation that
// produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Type names a lease lifecycle event. It is also the subject suffix.
type Type string

const (
	LeaseReserved     Type = "lease.reserved"
	LeaseReleased     Type = "lease.released"
	LeaseExpired      Type = "lease.expired"
	LeaseRevokeFailed Type = "lease.revoke_failed"
)

// Event is the published payload.
type Event struct {
	Type          Type      `json:"type"`
	LeaseID       string    `json:"lease_id"`
	Principal     string    `json:"principal"`
	Machine       string    `json:"machine"`
	ReservedUntil time.Time `json:"reserved_until,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Emitter sends events somewhere.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Publisher is the transport an Emitter writes to.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// PublisherEmitter encodes events as JSON and publishes them on
// "<prefix>.<type>".
type PublisherEmitter struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewPublisherEmitter returns an emitter writing to pub.
func NewPublisherEmitter(pub Publisher, prefix string, logger *zap.Logger) *PublisherEmitter {
	return &PublisherEmitter{pub: pub, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject an event of type t is published on.
func (e *PublisherEmitter) Subject(t Type) string {
	if e.prefix == "" {
		return string(t)
	}
	return e.prefix + "." + string(t)
}

// Emit implements Emitter.
func (e *PublisherEmitter) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encoding event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := e.pub.Publish(ctx, e.Subject(ev.Type), payload); err != nil {
		e.logger.Warn("publishing event",
			zap.String("type", string(ev.Type)),
			zap.String("lease_id", ev.LeaseID),
			zap.Error(err))
	}
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) {}
