package payment

import (
	"math"

	"paycore/internal/common/money"
)

// FeeSchedule maps a transaction type to its platform fee in basis points.
type FeeSchedule map[TransactionType]int64

// DefaultFeeSchedule is the category-based platform fee policy.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		TypeMarketplace:  500,
		TypeResource:     500,
		TypeDonation:     0,
		TypeSubscription: 0,
	}
}

// FeeCalculator derives fee breakdowns from a schedule. It is a pure value
// and safe for concurrent use.
type FeeCalculator struct {
	schedule FeeSchedule
}

// NewFeeCalculator creates a calculator. A nil or empty schedule falls back
// to DefaultFeeSchedule.
func NewFeeCalculator(schedule FeeSchedule) FeeCalculator {
	if len(schedule) == 0 {
		schedule = DefaultFeeSchedule()
	}
	return FeeCalculator{schedule: schedule}
}

// basisPoints resolves the fee for t; unknown or missing types are priced as
// marketplace.
func (c FeeCalculator) basisPoints(t TransactionType) int64 {
	if bps, ok := c.schedule[t]; ok && t.Valid() {
		return bps
	}
	if bps, ok := c.schedule[TypeMarketplace]; ok {
		return bps
	}
	return DefaultFeeSchedule()[TypeMarketplace]
}

// FeePercentage returns the fee percentage for a transaction type (5 for 5%).
func (c FeeCalculator) FeePercentage(t TransactionType) float64 {
	return float64(c.basisPoints(t)) / 100
}

// PlatformFee returns amount × feePercentage/100 rounded to the minor unit.
// Negative or non-finite percentages yield no fee.
func (c FeeCalculator) PlatformFee(amount money.Money, feePercentage float64) money.Money {
	if math.IsNaN(feePercentage) || math.IsInf(feePercentage, 0) || feePercentage <= 0 {
		return money.Zero(amount.Currency)
	}
	return amount.Percentage(int64(math.Round(feePercentage * 100)))
}

// Breakdown computes the full fee split for amount under t.
func (c FeeCalculator) Breakdown(amount money.Money, t TransactionType) FeeBreakdown {
	t = t.OrDefault()
	if !t.Valid() {
		t = TypeMarketplace
	}
	pct := c.FeePercentage(t)
	fee := c.PlatformFee(amount, pct)
	if cmp, _ := fee.Compare(amount); cmp > 0 {
		fee = amount
	}
	receives, _ := amount.Sub(fee)
	return FeeBreakdown{
		TotalAmount:      amount,
		PlatformFee:      fee,
		ProviderReceives: receives,
		FeePercentage:    pct,
		TransactionType:  t,
	}
}
