package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/metrics"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/tracker"
)

// Gateway submits a validated request to the payment backend. Failures are
// reported in the Outcome, never as a Go error.
//
//go:generate mockgen -destination=mocks/gateway.go -package=mocks paycore/internal/payment Gateway
type Gateway interface {
	Initiate(ctx context.Context, req Request) Outcome
}

// Config holds payment processing configuration.
type Config struct {
	Currency       string           `envconfig:"CURRENCY" default:"ZMW"`
	FeeScheduleBPS map[string]int64 `envconfig:"FEE_SCHEDULE_BPS" default:"marketplace:500,resource:500,donation:0,subscription:0"`
	Limits
}

// FeeSchedule converts the configured basis points into a schedule.
func (c Config) FeeSchedule() (FeeSchedule, error) {
	if len(c.FeeScheduleBPS) == 0 {
		return DefaultFeeSchedule(), nil
	}
	schedule := make(FeeSchedule, len(c.FeeScheduleBPS))
	for name, bps := range c.FeeScheduleBPS {
		t := TransactionType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("fee schedule: unknown transaction type %q", name)
		}
		if bps < 0 || bps > 10000 {
			return nil, fmt.Errorf("fee schedule: %s fee %d bps out of range", name, bps)
		}
		schedule[t] = bps
	}
	return schedule, nil
}

// Service validates, prices and submits payments and follows mobile-money
// payments until they settle.
type Service struct {
	currency  money.Currency
	validator *Validator
	fees      FeeCalculator
	gateway   Gateway
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	watcher   *Watcher
	logger    *slog.Logger

	querier  tracker.Querier
	tracking tracker.Options
}

// Option configures optional collaborators of the service.
type Option func(*Service)

// WithStore persists every processed payment.
func WithStore(store Store) Option {
	return func(s *Service) { s.store = store }
}

// WithPublisher publishes payment events.
func WithPublisher(publisher Publisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracking polls querier for the status of every initiated mobile-money
// payment.
func WithTracking(querier tracker.Querier, opts tracker.Options) Option {
	return func(s *Service) {
		s.querier = querier
		s.tracking = opts
	}
}

// NewService creates a payment service.
func NewService(cfg Config, gateway Gateway, logger *slog.Logger, opts ...Option) (*Service, error) {
	if gateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	currency := money.Currency(cfg.Currency)
	if currency == "" {
		currency = money.ZMW
	}
	if _, ok := money.GetCurrencyInfo(currency); !ok {
		return nil, fmt.Errorf("unsupported currency %q", cfg.Currency)
	}
	schedule, err := cfg.FeeSchedule()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		currency:  currency,
		validator: NewValidator(cfg.Limits, currency),
		fees:      NewFeeCalculator(schedule),
		gateway:   gateway,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.querier != nil {
		s.watcher = NewWatcher(s.querier, s.tracking, s.store, s.publisher, s.metrics, logger)
	}
	return s, nil
}

// Result is the outcome of processing one request.
type Result struct {
	Payment *Payment `json:"payment"`
	Warning string   `json:"warning,omitempty"`
}

// Succeeded reports whether the gateway accepted the payment.
func (r *Result) Succeeded() bool {
	return r.Payment != nil && r.Payment.Outcome.Success
}

// UserMessage is the short text to show the payer.
func (r *Result) UserMessage() string {
	if r.Payment == nil {
		return ""
	}
	out := r.Payment.Outcome
	switch {
	case out.Success && r.Payment.Method == MethodMobileMoney:
		return fmt.Sprintf("Payment request sent. Approve the prompt on your %s phone to complete the payment.",
			r.Payment.Provider.DisplayName())
	case out.Success && out.RedirectURL != "":
		return "Continue to the card page to complete the payment."
	case out.Success:
		return "Payment submitted."
	case out.Failure == FailureTransport:
		return "We could not reach the payment service. Check your connection and try again."
	case out.Failure == FailureDeclined:
		return out.ErrorMessage
	}
	return "The payment service could not process this payment. Please try again later."
}

// Validate checks a request without submitting it.
func (s *Service) Validate(req Request) ValidationResult {
	return s.validator.Validate(req)
}

// Quote returns the fee breakdown for an amount in major units.
func (s *Service) Quote(amount float64, t TransactionType) (FeeBreakdown, error) {
	t = t.OrDefault()
	if !t.Valid() {
		return FeeBreakdown{}, &ValidationError{Field: "transaction_type", Message: MsgInvalidTxType}
	}
	if !money.FitsMinorUnits(amount, s.currency) {
		return FeeBreakdown{}, &ValidationError{Field: "amount", Message: MsgAmountPrecision}
	}
	total, err := money.NewFromMajor(amount, s.currency)
	if err != nil || !total.IsPositive() {
		return FeeBreakdown{}, &ValidationError{Field: "amount", Message: MsgInvalidAmount}
	}
	return s.fees.Breakdown(total, t), nil
}

// Process validates req, computes its fees, submits it to the gateway and,
// for accepted mobile-money payments, starts tracking its status. Invalid
// requests return a *ValidationError; gateway failures are reported in the
// result's outcome.
func (s *Service) Process(ctx context.Context, req Request) (*Result, error) {
	check := s.validator.Validate(req)
	if !check.Valid {
		s.metrics.ValidationFailed(check.Field)
		return nil, check.Err()
	}
	norm := check.Normalized

	total, err := money.NewFromMajor(norm.Amount, s.currency)
	if err != nil || !total.IsPositive() {
		s.metrics.ValidationFailed("amount")
		return nil, &ValidationError{Field: "amount", Message: MsgInvalidAmount}
	}
	breakdown := s.fees.Breakdown(total, norm.TransactionType)
	if !breakdown.Balanced() {
		return nil, fmt.Errorf("fee split %s + %s does not match total %s",
			breakdown.PlatformFee, breakdown.ProviderReceives, breakdown.TotalAmount)
	}

	// The gateway charges exactly the amount the breakdown was priced on.
	charge := norm
	charge.Amount = breakdown.TotalAmount.ToMajor()

	start := time.Now()
	outcome := s.gateway.Initiate(ctx, charge)
	took := time.Since(start)

	now := time.Now().UTC()
	p := &Payment{
		ID:              ulid.Make().String(),
		Reference:       outcome.TransactionID,
		Method:          norm.Method,
		Provider:        norm.Provider,
		PhoneNumber:     norm.PhoneNumber,
		Email:           norm.Email,
		Description:     norm.Description,
		TransactionType: breakdown.TransactionType,
		Breakdown:       breakdown,
		Outcome:         outcome,
		Status:          string(tracker.StatusFailed),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if outcome.Success {
		p.Status = string(tracker.StatusQueued)
	}

	logger := s.logger.With(
		"payment_id", p.ID,
		"method", p.Method,
		"provider", p.Provider,
		"correlation_id", middleware.GetCorrelationID(ctx),
	)

	result := "success"
	if !outcome.Success {
		result = string(outcome.Failure)
	}
	s.metrics.PaymentSubmitted(string(p.Method), string(p.Provider), result, took)

	if s.store != nil {
		if err := s.store.Create(ctx, p); err != nil {
			logger.Error("failed to record payment", "reference", p.Reference, "error", err)
		}
	}
	s.publish(ctx, p)

	if outcome.Success {
		s.metrics.FeeCollected(string(s.currency), string(breakdown.TransactionType), breakdown.PlatformFee.AmountMinor)
		logger.Info("payment accepted",
			"reference", p.Reference,
			"amount", breakdown.TotalAmount.String(),
			"platform_fee", breakdown.PlatformFee.String(),
		)
		if p.Method == MethodMobileMoney && s.watcher != nil {
			if err := s.watcher.Track(p.Reference); err != nil {
				logger.Error("failed to start status tracking", "reference", p.Reference, "error", err)
			}
		}
	}

	return &Result{Payment: p, Warning: check.Warning}, nil
}

// Get returns a stored payment with its live tracking status when known.
func (s *Service) Get(ctx context.Context, reference string) (*Payment, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	p, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if snap, ok := s.Tracking(reference); ok && snap.Status != tracker.StatusNotStarted {
		p.Status = string(snap.Status)
		if snap.PaidAt != nil {
			p.PaidAt = snap.PaidAt
		}
		if snap.TransactionID != "" {
			p.SettledTransactionID = snap.TransactionID
		}
	}
	return p, nil
}

// List returns stored payments newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Payment, int64, error) {
	if s.store == nil {
		return nil, 0, nil
	}
	return s.store.List(ctx, limit, offset)
}

// Tracking returns the latest tracking snapshot for reference.
func (s *Service) Tracking(reference string) (tracker.Snapshot, bool) {
	if s.watcher == nil {
		return tracker.Snapshot{}, false
	}
	return s.watcher.Snapshot(reference)
}

// StopTracking cancels tracking of reference. It reports whether a session
// was active.
func (s *Service) StopTracking(reference string) bool {
	if s.watcher == nil {
		return false
	}
	return s.watcher.Stop(reference)
}

// PauseTracking suspends status polling for reference.
func (s *Service) PauseTracking(reference string) bool {
	if s.watcher == nil {
		return false
	}
	return s.watcher.Pause(reference)
}

// ResumeTracking restarts polling paused by PauseTracking.
func (s *Service) ResumeTracking(reference string) bool {
	if s.watcher == nil {
		return false
	}
	return s.watcher.Resume(reference)
}

// Subscribe streams snapshots for reference until tracking stops or cancel
// is called.
func (s *Service) Subscribe(reference string) (<-chan tracker.Snapshot, func(), bool) {
	if s.watcher == nil {
		return nil, func() {}, false
	}
	return s.watcher.Subscribe(reference)
}

// Close stops all tracking sessions.
func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Service) publish(ctx context.Context, p *Payment) {
	if s.publisher == nil {
		return
	}
	evt, err := initiatedEvent(p)
	if err != nil {
		s.logger.Error("failed to build payment event", "payment_id", p.ID, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish payment event", "type", evt.Type, "payment_id", p.ID, "error", err)
	}
}
