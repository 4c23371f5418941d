package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Subject is the broker subject the event is published on
func (e *Event) Subject() string {
	return "events." + e.Type
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Payment event types
const (
	EventPaymentInitiated     = "payment.initiated"
	EventPaymentRejected      = "payment.rejected"
	EventPaymentStatusChanged = "payment.status_changed"
	EventPaymentCompleted     = "payment.completed"
	EventPaymentFailed        = "payment.failed"
	EventTrackingStopped      = "payment.tracking_stopped"
)

// AggregatePayment is the aggregate type of payment events
const AggregatePayment = "payment"

// PaymentInitiatedData is the data for payment.initiated events
type PaymentInitiatedData struct {
	PaymentID        string `json:"payment_id"`
	Reference        string `json:"reference"`
	Method           string `json:"payment_method"`
	Provider         string `json:"provider,omitempty"`
	TransactionType  string `json:"transaction_type"`
	AmountMinor      int64  `json:"amount_minor"`
	PlatformFeeMinor int64  `json:"platform_fee_minor"`
	Currency         string `json:"currency"`
}

// PaymentRejectedData is the data for payment.rejected events
type PaymentRejectedData struct {
	PaymentID   string `json:"payment_id"`
	Method      string `json:"payment_method"`
	Provider    string `json:"provider,omitempty"`
	Failure     string `json:"failure"`
	Message     string `json:"message"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// PaymentStatusData is the data for status, completion and failure events
type PaymentStatusData struct {
	Reference     string     `json:"reference"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Amount        float64    `json:"amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	StopReason    string     `json:"stop_reason,omitempty"`
	ElapsedMs     int64      `json:"elapsed_ms,omitempty"`
}
