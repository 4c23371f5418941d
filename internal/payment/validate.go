package payment

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"paycore/internal/common/money"
)

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("validation failed")

// Validation messages shown to the payer.
const (
	MsgInvalidAmount    = "Please enter a valid amount greater than 0"
	MsgAmountPrecision  = "Amount cannot have more than two decimal places"
	MsgInvalidMethod    = "Please select a valid payment method"
	MsgProviderAndPhone = "Please select a provider and enter your phone number"
	MsgInvalidProvider  = "Please select a valid mobile money provider (MTN, Airtel or Zamtel)"
	MsgInvalidPhone     = "Invalid phone number format. Use 097XXXXXXX for MTN, 096XXXXXXX for Airtel or 095XXXXXXX for Zamtel"
	MsgInvalidEmail     = "Please enter a valid email address"
	MsgInvalidTxType    = "Invalid transaction type"
)

// ValidationError describes the first rule a request broke.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ValidationResult is the outcome of validating a request. Warning may be set
// on a valid request and should be confirmed with the payer.
type ValidationResult struct {
	Valid      bool    `json:"is_valid"`
	Field      string  `json:"field,omitempty"`
	Error      string  `json:"error,omitempty"`
	Warning    string  `json:"warning,omitempty"`
	Normalized Request `json:"normalized"`
}

// Err returns the failure as a *ValidationError, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Field: r.Field, Message: r.Error}
}

// Limits bounds the accepted payment amount in major units. Zero disables a bound.
type Limits struct {
	MinAmount float64 `envconfig:"MIN_AMOUNT" default:"0.01"`
	MaxAmount float64 `envconfig:"MAX_AMOUNT" default:"100000"`
}

// Validator checks requests before any network call. It has no side effects
// and does not read the clock.
type Validator struct {
	limits   Limits
	currency money.Currency
	emails   *validator.Validate
}

// NewValidator creates a request validator. Amounts must be exact in the
// minor unit of currency.
func NewValidator(limits Limits, currency money.Currency) *Validator {
	return &Validator{
		limits:   limits,
		currency: currency,
		emails:   validator.New(),
	}
}

// Validate applies the request rules in precedence order and stops at the
// first failure.
func (v *Validator) Validate(req Request) ValidationResult {
	norm := req.Normalized()
	res := ValidationResult{Normalized: norm}

	fail := func(field, msg string) ValidationResult {
		res.Field = field
		res.Error = msg
		return res
	}

	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return fail("amount", MsgInvalidAmount)
	}
	if !money.FitsMinorUnits(req.Amount, v.currency) {
		return fail("amount", MsgAmountPrecision)
	}
	if v.limits.MinAmount > 0 && req.Amount < v.limits.MinAmount {
		return fail("amount", "Amount must be at least "+formatAmount(v.limits.MinAmount))
	}
	if v.limits.MaxAmount > 0 && req.Amount > v.limits.MaxAmount {
		return fail("amount", "Amount cannot exceed "+formatAmount(v.limits.MaxAmount))
	}

	if !req.Method.Valid() {
		return fail("payment_method", MsgInvalidMethod)
	}

	if req.Method == MethodMobileMoney {
		if req.Provider == "" || strings.TrimSpace(req.PhoneNumber) == "" {
			return fail("phone_number", MsgProviderAndPhone)
		}
		if !req.Provider.Valid() {
			return fail("provider", MsgInvalidProvider)
		}
		if !ValidPhone(norm.PhoneNumber, req.Provider) {
			detected, ok := DetectProvider(norm.PhoneNumber)
			if !ok {
				return fail("phone_number", MsgInvalidPhone)
			}
			res.Warning = fmt.Sprintf("This looks like a %s number but %s was selected. Please confirm before paying.",
				detected.DisplayName(), req.Provider.DisplayName())
		}
	}

	if email := strings.TrimSpace(req.Email); email != "" {
		if err := v.emails.Var(email, "email"); err != nil {
			return fail("email", MsgInvalidEmail)
		}
	}

	if !norm.TransactionType.Valid() {
		return fail("transaction_type", MsgInvalidTxType)
	}

	res.Valid = true
	return res
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
