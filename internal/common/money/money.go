package money

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	ZMW Currency = "ZMW"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32 // Number of decimal places
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	ZMW: {Code: ZMW, MinorUnits: 2, Symbol: "K"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€"},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

func minorUnits(c Currency) int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Money represents a monetary amount in minor units (ngwee, cents, pence).
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// NewFromMajor creates Money from major units (e.g. kwacha), rounding half away
// from zero to the currency's minor unit. The float is read through its shortest
// decimal representation so 0.29 becomes exactly 29 minor units.
func NewFromMajor(amountMajor float64, currency Currency) (Money, error) {
	if math.IsNaN(amountMajor) || math.IsInf(amountMajor, 0) {
		return Money{}, fmt.Errorf("amount is not a finite number: %v", amountMajor)
	}
	d := decimal.NewFromFloat(amountMajor).Shift(minorUnits(currency)).Round(0)
	if d.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64 / 2)) {
		return Money{}, fmt.Errorf("amount out of range: %v", amountMajor)
	}
	return Money{AmountMinor: d.IntPart(), Currency: currency}, nil
}

// FitsMinorUnits reports whether amountMajor needs no rounding to be
// expressed in the currency's minor unit (10.01 fits ZMW, 10.005 does not).
func FitsMinorUnits(amountMajor float64, currency Currency) bool {
	if math.IsNaN(amountMajor) || math.IsInf(amountMajor, 0) {
		return false
	}
	return decimal.NewFromFloat(amountMajor).Exponent() >= -minorUnits(currency)
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency}, nil
}

// Percentage calculates a share expressed in basis points (1% = 100bp),
// rounded half away from zero to the minor unit.
func (m Money) Percentage(basisPoints int64) Money {
	share := decimal.NewFromInt(m.AmountMinor).
		Mul(decimal.NewFromInt(basisPoints)).
		Div(decimal.NewFromInt(10000)).
		Round(0)
	return Money{AmountMinor: share.IntPart(), Currency: m.Currency}
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	switch {
	case m.AmountMinor < other.AmountMinor:
		return -1, nil
	case m.AmountMinor > other.AmountMinor:
		return 1, nil
	}
	return 0, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Decimal returns the amount in major units as an exact decimal
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -minorUnits(m.Currency))
}

// ToMajor converts to major units as float
func (m Money) ToMajor() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// MajorString formats the major amount with the currency's fixed decimals ("5.00").
func (m Money) MajorString() string {
	return m.Decimal().StringFixed(minorUnits(m.Currency))
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	return info.Symbol + m.MajorString()
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Amount:      m.MajorString(),
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.AmountMinor = v.AmountMinor
	m.Currency = Currency(v.Currency)
	return nil
}
