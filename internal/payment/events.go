package payment

import (
	"context"
	"log/slog"

	"paycore/internal/common/events"
	"paycore/internal/tracker"
)

// Publisher publishes payment events to the broker.
//
//go:generate mockgen -destination=mocks/publisher.go -package=mocks paycore/internal/payment Publisher
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

func initiatedEvent(p *Payment) (*events.Event, error) {
	b := p.Breakdown
	if !p.Outcome.Success {
		return events.NewEvent(events.EventPaymentRejected, events.AggregatePayment, p.ID, events.PaymentRejectedData{
			PaymentID:   p.ID,
			Method:      string(p.Method),
			Provider:    string(p.Provider),
			Failure:     string(p.Outcome.Failure),
			Message:     p.Outcome.ErrorMessage,
			AmountMinor: b.TotalAmount.AmountMinor,
			Currency:    string(b.TotalAmount.Currency),
		})
	}
	return events.NewEvent(events.EventPaymentInitiated, events.AggregatePayment, p.Reference, events.PaymentInitiatedData{
		PaymentID:        p.ID,
		Reference:        p.Reference,
		Method:           string(p.Method),
		Provider:         string(p.Provider),
		TransactionType:  string(p.TransactionType),
		AmountMinor:      b.TotalAmount.AmountMinor,
		PlatformFeeMinor: b.PlatformFee.AmountMinor,
		Currency:         string(b.TotalAmount.Currency),
	})
}

func statusEvent(eventType string, s tracker.Snapshot) (*events.Event, error) {
	return events.NewEvent(eventType, events.AggregatePayment, s.Reference, events.PaymentStatusData{
		Reference:     s.Reference,
		Status:        string(s.Status),
		TransactionID: s.TransactionID,
		Amount:        s.Amount,
		Currency:      s.Currency,
		PaidAt:        s.PaidAt,
		StopReason:    string(s.StopReason),
		ElapsedMs:     s.Elapsed.Milliseconds(),
	})
}

// AuditHandler records every payment event in the store's audit trail.
type AuditHandler struct {
	store  Store
	logger *slog.Logger
}

// NewAuditHandler creates an audit handler.
func NewAuditHandler(store Store, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logger}
}

var _ events.EventHandler = (*AuditHandler)(nil)

// Handle appends the event to the audit trail.
func (h *AuditHandler) Handle(ctx context.Context, event *events.Event) error {
	if err := h.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	h.logger.Debug("payment event recorded",
		"event_id", event.ID,
		"type", event.Type,
		"reference", event.AggregateID,
	)
	return nil
}

// EventTypes lists the events the handler consumes.
func (h *AuditHandler) EventTypes() []string {
	return []string{
		events.EventPaymentInitiated,
		events.EventPaymentRejected,
		events.EventPaymentStatusChanged,
		events.EventPaymentCompleted,
		events.EventPaymentFailed,
		events.EventTrackingStopped,
	}
}
