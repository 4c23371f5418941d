// Package gateway submits payments to the hosted payment backend and queries
// their settlement status.
package gateway

import (
	"context"
	"log/slog"

	"paycore/internal/payment"
)

// InitiateParams is the body of the payment initiation call.
type InitiateParams struct {
	Amount          float64 `json:"amount"`
	PaymentMethod   string  `json:"paymentMethod"`
	PhoneNumber     string  `json:"phoneNumber,omitempty"`
	Provider        string  `json:"provider,omitempty"`
	Description     string  `json:"description"`
	Email           string  `json:"email,omitempty"`
	TransactionType string  `json:"transactionType,omitempty"`
}

// InvokeData is the function's payload when it answered.
type InvokeData struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// InvokeError is the backend's error envelope.
type InvokeError struct {
	Message string `json:"message"`
}

// InvokeResult mirrors the backend's {data, error} response.
type InvokeResult struct {
	Data  *InvokeData  `json:"data"`
	Error *InvokeError `json:"error"`
}

// Invoker calls a named backend function. A returned error means the backend
// was not reached.
//
//go:generate mockgen -destination=mocks/invoker.go -package=mocks paycore/internal/gateway Invoker
type Invoker interface {
	Invoke(ctx context.Context, function string, params InitiateParams) (*InvokeResult, error)
}

// Client turns payment requests into gateway outcomes. It never retries.
type Client struct {
	invoker  Invoker
	function string
	logger   *slog.Logger
}

// NewClient creates a gateway client calling function through invoker.
func NewClient(invoker Invoker, function string, logger *slog.Logger) *Client {
	if function == "" {
		function = DefaultInitiateFunction
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		invoker:  invoker,
		function: function,
		logger:   logger,
	}
}

// Initiate submits req and classifies the answer. Every failure is reported
// in the outcome; Initiate itself never fails.
func (c *Client) Initiate(ctx context.Context, req payment.Request) payment.Outcome {
	params := InitiateParams{
		Amount:          req.Amount,
		PaymentMethod:   string(req.Method),
		Description:     req.Description,
		Email:           req.Email,
		TransactionType: string(req.TransactionType),
	}
	if req.Method == payment.MethodMobileMoney {
		params.PhoneNumber = req.PhoneNumber
		params.Provider = string(req.Provider)
	}

	res, err := c.invoker.Invoke(ctx, c.function, params)
	if err != nil {
		c.logger.Warn("payment gateway unreachable",
			"function", c.function,
			"provider", req.Provider,
			"error", err,
		)
		return payment.Failed(payment.FailureTransport, err.Error())
	}

	out := classify(res)
	if out.Success {
		c.logger.Info("payment initiated",
			"transaction_id", out.TransactionID,
			"method", req.Method,
			"provider", req.Provider,
		)
	} else {
		c.logger.Info("payment not accepted",
			"failure", out.Failure,
			"error", out.ErrorMessage,
			"method", req.Method,
			"provider", req.Provider,
		)
	}
	return out
}

func classify(res *InvokeResult) payment.Outcome {
	switch {
	case res == nil || (res.Data == nil && res.Error == nil):
		return payment.Failed(payment.FailureGateway, "empty response from payment gateway")
	case res.Error != nil:
		msg := res.Error.Message
		if msg == "" {
			msg = "payment gateway error"
		}
		return payment.Failed(payment.FailureGateway, msg)
	case !res.Data.Success:
		msg := res.Data.Error
		if msg == "" {
			msg = "payment was declined"
		}
		return payment.Failed(payment.FailureDeclined, msg)
	case res.Data.TransactionID == "":
		return payment.Failed(payment.FailureGateway, "payment gateway returned no transaction id")
	}
	return payment.Succeeded(res.Data.TransactionID, res.Data.RedirectURL)
}
