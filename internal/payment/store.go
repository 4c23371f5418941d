package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
)

// ErrNotFound is returned when no payment matches a reference.
var ErrNotFound = errors.New("payment not found")

// StatusUpdate is a tracked status change to persist.
type StatusUpdate struct {
	Reference       string
	Status          string
	TransactionID   string
	PaidAt          *time.Time
	GatewayResponse json.RawMessage
}

// args are the UpdateStatus parameters; empty optional values keep the
// stored ones.
func (u StatusUpdate) args() []any {
	var response []byte
	if len(u.GatewayResponse) > 0 {
		response = u.GatewayResponse
	}
	return []any{u.Reference, u.Status, u.PaidAt, response, nullable(u.TransactionID)}
}

// Store persists payments and their event trail.
//
//go:generate mockgen -destination=mocks/store.go -package=mocks paycore/internal/payment Store
type Store interface {
	Create(ctx context.Context, p *Payment) error
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	List(ctx context.Context, limit, offset int) ([]*Payment, int64, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) error
	AppendEvent(ctx context.Context, event *events.Event) error
}

// PostgresStore is the Postgres implementation of Store.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, reference, payment_method, provider, phone_number, email, description,
	transaction_type, currency, amount_minor, platform_fee_minor, provider_receives_minor,
	fee_percentage, success, failure_kind, error_message, redirect_url, status,
	settled_transaction_id, paid_at, created_at, updated_at`

// Create inserts a processed payment.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	b := p.Breakdown
	_, err := s.db.Exec(ctx, query,
		p.ID,
		nullable(p.Reference),
		p.Method,
		nullable(string(p.Provider)),
		nullable(p.PhoneNumber),
		nullable(p.Email),
		p.Description,
		p.TransactionType,
		b.TotalAmount.Currency,
		b.TotalAmount.AmountMinor,
		b.PlatformFee.AmountMinor,
		b.ProviderReceives.AmountMinor,
		b.FeePercentage,
		p.Outcome.Success,
		nullable(string(p.Outcome.Failure)),
		nullable(p.Outcome.ErrorMessage),
		nullable(p.Outcome.RedirectURL),
		p.Status,
		nullable(p.SettledTransactionID),
		p.PaidAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.Reference, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment: %w", err)
	}
	return nil
}

// GetByReference loads a payment by its gateway reference.
func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1`
	p, err := scanPayment(s.db.QueryRow(ctx, query, reference))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
		}
		return nil, fmt.Errorf("getting payment: %w", err)
	}
	return p, nil
}

// List returns payments newest first with the total count.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Payment, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting payments: %w", err)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating payments: %w", err)
	}
	return out, total, nil
}

// UpdateStatus records the latest tracked status of a payment.
func (s *PostgresStore) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	query := `
		UPDATE payments
		SET status = $2,
			paid_at = COALESCE($3, paid_at),
			gateway_response = COALESCE($4, gateway_response),
			settled_transaction_id = COALESCE($5, settled_transaction_id),
			updated_at = NOW()
		WHERE reference = $1
	`
	tag, err := s.db.Exec(ctx, query, u.args()...)
	if err != nil {
		return fmt.Errorf("updating payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, u.Reference)
	}
	return nil
}

// AppendEvent stores a published event in the audit trail. Replays of the
// same event are ignored.
func (s *PostgresStore) AppendEvent(ctx context.Context, e *events.Event) error {
	query := `
		INSERT INTO payment_events (event_id, event_type, aggregate_id, correlation_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		e.ID,
		e.Type,
		e.AggregateID,
		nullable(e.CorrelationID),
		[]byte(e.Data),
		e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("appending event %s: %w", e.ID, err)
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                                    Payment
		reference, provider, phone, email    *string
		failure, errMsg, redirect, settled   *string
		currency                             string
		amountMinor, feeMinor, receivesMinor int64
	)

	err := row.Scan(
		&p.ID,
		&reference,
		&p.Method,
		&provider,
		&phone,
		&email,
		&p.Description,
		&p.TransactionType,
		&currency,
		&amountMinor,
		&feeMinor,
		&receivesMinor,
		&p.Breakdown.FeePercentage,
		&p.Outcome.Success,
		&failure,
		&errMsg,
		&redirect,
		&p.Status,
		&settled,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cur := money.Currency(currency)
	p.Reference = deref(reference)
	p.Provider = Provider(deref(provider))
	p.PhoneNumber = deref(phone)
	p.Email = deref(email)
	p.Breakdown.TotalAmount = money.New(amountMinor, cur)
	p.Breakdown.PlatformFee = money.New(feeMinor, cur)
	p.Breakdown.ProviderReceives = money.New(receivesMinor, cur)
	p.Breakdown.TransactionType = p.TransactionType
	p.Outcome.Failure = FailureKind(deref(failure))
	p.Outcome.ErrorMessage = deref(errMsg)
	p.Outcome.RedirectURL = deref(redirect)
	p.SettledTransactionID = deref(settled)
	if p.Outcome.Success {
		p.Outcome.TransactionID = p.Reference
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
