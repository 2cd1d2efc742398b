/*
notifier.go - Post-decision event notification

PURPOSE:
  Hands Created/Approved/Rejected notifications to decoupled observers
  (analytics, audit). Delivery is fire-and-forget: consumers are never
  part of the authorization decision, and a failing notifier must not
  fail the caller's request.

EMISSION TIMING:
  Events are emitted strictly AFTER the unit has durably committed (or,
  for domain rejections, after the rollback completed). The coordinator
  buffers events during the unit and flushes the buffer once the store
  has reached its terminal state, so no event ever describes a
  transaction that can still be rolled back.

IMPLEMENTATIONS:
  - LogNotifier (here): structured log sink, always wired
  - events/kafka.Publisher: Kafka transport with dead-letter fallback
  - FanoutNotifier (here): composes several sinks
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventTransactionCreated  EventType = "transaction.created"
	EventTransactionApproved EventType = "transaction.approved"
	EventTransactionRejected EventType = "transaction.rejected"
)

// Event is the notification payload shared by all transports.
// TransactionID is 0 for rejections, which never persist a row.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	TransactionID  int64           `json:"transaction_id"`
	CardID         int64           `json:"card_id"`
	OrganizationID int64           `json:"organization_id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status,omitempty"`
	Reason         string          `json:"reason,omitempty"` // rejections only
	OccurredAt     time.Time       `json:"occurred_at"`
}

// NewEvent stamps a fresh event with a unique ID and the current time.
func NewEvent(t EventType) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
	}
}

// Notifier is a fire-and-forget event sink.
// Implementations must not block the caller on delivery and must not
// return delivery failures into the authorization path.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// =============================================================================
// IMPLEMENTATIONS
// =============================================================================

// LogNotifier writes events to the structured log. This is the minimal
// observer every deployment gets.
type LogNotifier struct {
	Logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.Int64("transaction_id", event.TransactionID),
		zap.Int64("card_id", event.CardID),
		zap.Int64("organization_id", event.OrganizationID),
		zap.String("amount", event.Amount.String()),
	}
	switch event.Type {
	case EventTransactionRejected:
		n.Logger.Warn(string(event.Type), append(fields, zap.String("reason", event.Reason))...)
	default:
		n.Logger.Info(string(event.Type), fields...)
	}
}

// FanoutNotifier delivers each event to every sink in order.
type FanoutNotifier struct {
	Sinks []Notifier
}

func NewFanoutNotifier(sinks ...Notifier) *FanoutNotifier {
	return &FanoutNotifier{Sinks: sinks}
}

func (n *FanoutNotifier) Notify(ctx context.Context, event Event) {
	for _, s := range n.Sinks {
		s.Notify(ctx, event)
	}
}

// NopNotifier discards events. Useful in tests that don't assert on them.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
