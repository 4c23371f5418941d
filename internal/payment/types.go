// Package payment validates, prices and submits mobile-money and card payments.
package payment

import (
	"time"

	"paycore/internal/common/money"
)

// Method represents a payment method.
type Method string

const (
	MethodMobileMoney Method = "mobile_money"
	MethodCard        Method = "card"
)

// Valid reports whether m is a supported payment method.
func (m Method) Valid() bool {
	switch m {
	case MethodMobileMoney, MethodCard:
		return true
	}
	return false
}

// Provider identifies a mobile-money carrier.
type Provider string

const (
	ProviderMTN    Provider = "mtn"
	ProviderAirtel Provider = "airtel"
	ProviderZamtel Provider = "zamtel"
)

// Providers lists the supported carriers in display order.
var Providers = []Provider{ProviderMTN, ProviderAirtel, ProviderZamtel}

// Valid reports whether p is a supported carrier.
func (p Provider) Valid() bool {
	switch p {
	case ProviderMTN, ProviderAirtel, ProviderZamtel:
		return true
	}
	return false
}

// DisplayName returns the carrier's brand name.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderMTN:
		return "MTN"
	case ProviderAirtel:
		return "Airtel"
	case ProviderZamtel:
		return "Zamtel"
	}
	return string(p)
}

// TransactionType is the business category of a payment; it selects the fee.
type TransactionType string

const (
	TypeMarketplace  TransactionType = "marketplace"
	TypeResource     TransactionType = "resource"
	TypeDonation     TransactionType = "donation"
	TypeSubscription TransactionType = "subscription"
)

// Valid reports whether t is one of the enumerated categories.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeMarketplace, TypeResource, TypeDonation, TypeSubscription:
		return true
	}
	return false
}

// OrDefault returns marketplace for an empty type.
func (t TransactionType) OrDefault() TransactionType {
	if t == "" {
		return TypeMarketplace
	}
	return t
}

// Request is the caller-supplied payment intent. It is passed by value and
// never mutated once built.
type Request struct {
	Amount          float64         `json:"amount"`
	Method          Method          `json:"payment_method"`
	PhoneNumber     string          `json:"phone_number,omitempty"`
	Provider        Provider        `json:"provider,omitempty"`
	Email           string          `json:"email,omitempty"`
	Description     string          `json:"description"`
	TransactionType TransactionType `json:"transaction_type,omitempty"`
}

// Normalized returns a copy with the phone number in canonical local form and
// the transaction type defaulted.
func (r Request) Normalized() Request {
	out := r
	if out.PhoneNumber != "" {
		out.PhoneNumber = NormalizePhone(out.PhoneNumber)
	}
	out.TransactionType = out.TransactionType.OrDefault()
	return out
}

// FeeBreakdown splits a payment total into the platform fee and the amount
// the provider receives. PlatformFee + ProviderReceives == TotalAmount.
type FeeBreakdown struct {
	TotalAmount      money.Money     `json:"total_amount"`
	PlatformFee      money.Money     `json:"platform_fee"`
	ProviderReceives money.Money     `json:"provider_receives"`
	FeePercentage    float64         `json:"fee_percentage"`
	TransactionType  TransactionType `json:"transaction_type"`
}

// Balanced reports whether the fee and the provider share add up to the total.
func (b FeeBreakdown) Balanced() bool {
	sum, err := b.PlatformFee.Add(b.ProviderReceives)
	return err == nil && sum.Equal(b.TotalAmount)
}

// FailureKind classifies why a gateway invocation did not succeed.
type FailureKind string

const (
	// FailureTransport means the gateway was never reached.
	FailureTransport FailureKind = "transport"
	// FailureDeclined means the gateway answered and rejected the payment.
	FailureDeclined FailureKind = "declined"
	// FailureGateway means the gateway answered with an error envelope.
	FailureGateway FailureKind = "gateway"
)

// Outcome is the result of one gateway invocation.
type Outcome struct {
	Success       bool        `json:"success"`
	TransactionID string      `json:"transaction_id,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Failure       FailureKind `json:"failure,omitempty"`
	RedirectURL   string      `json:"redirect_url,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded(transactionID, redirectURL string) Outcome {
	return Outcome{Success: true, TransactionID: transactionID, RedirectURL: redirectURL}
}

// Failed builds a failed outcome.
func Failed(kind FailureKind, message string) Outcome {
	return Outcome{Failure: kind, ErrorMessage: message}
}

// Payment is the persisted record of a processed request.
type Payment struct {
	ID              string          `json:"id"`
	Reference       string          `json:"reference,omitempty"`
	Method          Method          `json:"payment_method"`
	Provider        Provider        `json:"provider,omitempty"`
	PhoneNumber     string          `json:"phone_number,omitempty"`
	Email           string          `json:"email,omitempty"`
	Description     string          `json:"description"`
	TransactionType TransactionType `json:"transaction_type"`
	Breakdown       FeeBreakdown    `json:"breakdown"`
	Outcome         Outcome         `json:"outcome"`
	Status          string          `json:"status"`
	// SettledTransactionID is the id on the backend's status record once
	// tracking has seen one.
	SettledTransactionID string     `json:"settled_transaction_id,omitempty"`
	PaidAt               *time.Time `json:"paid_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
