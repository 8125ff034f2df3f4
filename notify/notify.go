/*
Package notify is the outbound port for ledger events.

PURPOSE:
  Ledger components publish an Event after their transaction commits.
  Publishing is fire-and-forget: a Sink error is logged by the caller and
  never reaches the ledger result.

EVENT TYPES:
  attribution.created    new pending attribution
  attribution.paid       status moved to paid
  attribution.cancelled  compensating reversal applied
  commissions.released   pending commissions moved to a vendor balance
  click.credited         a batch of clicks converted into credit

SINKS:
  - LogSink:   writes events through zerolog
  - KafkaSink: JSON to a Kafka topic, keyed by affiliate (kafka.go)
  - Async:     hands Publish to a background dispatcher
  - Discard:   drops everything
*/
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/affiliate-ledger/ledger"
)

type EventType string

const (
	AttributionCreated   EventType = "attribution.created"
	AttributionPaid      EventType = "attribution.paid"
	AttributionCancelled EventType = "attribution.cancelled"
	CommissionsReleased  EventType = "commissions.released"
	ClickCredited        EventType = "click.credited"
)

// Event is the envelope every sink receives.
type Event struct {
	ID          string             `json:"id"`
	Type        EventType          `json:"type"`
	OccurredAt  time.Time          `json:"occurred_at"`
	AffiliateID ledger.AffiliateID `json:"affiliate_id"`
	Payload     any                `json:"payload"`
}

// New builds an event with a fresh ID.
func New(t EventType, affiliateID ledger.AffiliateID, at time.Time, payload any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		OccurredAt:  at.UTC(),
		AffiliateID: affiliateID,
		Payload:     payload,
	}
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// =============================================================================
// PAYLOADS
// =============================================================================

type AttributionPayload struct {
	AttributionID   ledger.AttributionID     `json:"attribution_id"`
	SaleID          ledger.SaleID            `json:"sale_id"`
	ProductID       ledger.ProductID         `json:"product_id"`
	SaleValue       string                   `json:"sale_value"`
	CommissionValue string                   `json:"commission_value"`
	PercentUsed     *string                  `json:"percent_used"`
	Status          ledger.AttributionStatus `json:"status"`
}

// AttributionPayloadOf converts an attribution into its event payload.
func AttributionPayloadOf(a *ledger.Attribution) AttributionPayload {
	p := AttributionPayload{
		AttributionID:   a.ID,
		SaleID:          a.SaleID,
		ProductID:       a.ProductID,
		SaleValue:       a.SaleValue.StringFixed(ledger.MoneyPlaces),
		CommissionValue: a.CommissionValue.StringFixed(ledger.MoneyPlaces),
		Status:          a.Status,
	}
	if a.PercentUsed != nil {
		s := a.PercentUsed.String()
		p.PercentUsed = &s
	}
	return p
}

type ReleasePayload struct {
	MovementID   ledger.MovementID `json:"movement_id"`
	VendorID     ledger.VendorID   `json:"vendor_id"`
	Value        string            `json:"value"`
	Attributions int               `json:"attributions"`
}

type ClickCreditPayload struct {
	LinkID    ledger.LinkID    `json:"link_id"`
	ProductID ledger.ProductID `json:"product_id"`
	Value     string           `json:"value"`
	Clicks    int              `json:"clicks"`
}

// =============================================================================
// SINKS
// =============================================================================

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) error {
	s.Logger.Info().
		Str("event_id", ev.ID).
		Str("event", string(ev.Type)).
		Str("affiliate_id", string(ev.AffiliateID)).
		Interface("payload", ev.Payload).
		Msg("ledger event")
	return nil
}

// Submitter runs tasks in the background. Satisfied by *effects.Dispatcher.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// Async publishes through a Submitter so callers never wait on delivery.
type Async struct {
	Effects Submitter
	Sink    Sink
}

// ErrDropped is returned when the dispatcher refused the event.
var ErrDropped = errors.New("notification dropped: dispatcher saturated")

func (a Async) Publish(_ context.Context, ev Event) error {
	ok := a.Effects.Submit("notify."+string(ev.Type), func(ctx context.Context) error {
		return a.Sink.Publish(ctx, ev)
	})
	if !ok {
		return ErrDropped
	}
	return nil
}
