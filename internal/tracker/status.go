// Package tracker polls the payment gateway for the settlement status of a
// single mobile-money transaction and reports progress to an observer.
package tracker

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a tracked payment.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses so a late poll can never move a payment backwards.
func (s Status) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	}
	return -1
}

// ParseStatus maps the gateway's status vocabulary onto Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending", "initiated", "created":
		return StatusQueued, true
	case "processing", "in_progress", "submitted", "sent":
		return StatusProcessing, true
	case "completed", "complete", "success", "successful", "succeeded", "paid", "settled":
		return StatusCompleted, true
	case "failed", "failure", "error", "declined", "rejected", "expired", "timeout":
		return StatusFailed, true
	case "cancelled", "canceled", "reversed":
		return StatusCancelled, true
	}
	return "", false
}

// Record is the gateway's answer to a status query.
type Record struct {
	Status          string          `json:"status"`
	Amount          float64         `json:"amount"`
	Currency        string          `json:"currency"`
	Reference       string          `json:"reference"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
}

// Querier fetches the current status of a payment by reference.
type Querier interface {
	QueryStatus(ctx context.Context, reference string) (*Record, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, reference string) (*Record, error)

func (f QuerierFunc) QueryStatus(ctx context.Context, reference string) (*Record, error) {
	return f(ctx, reference)
}

// StopReason says why a tracking session ended.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopCancelled StopReason = "cancelled"
	StopTimeout   StopReason = "timeout"
	StopRestarted StopReason = "restarted"
)

// Snapshot is the full observable state of a tracker at one instant.
type Snapshot struct {
	Reference         string          `json:"reference"`
	Status            Status          `json:"status"`
	Amount            float64         `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	TransactionID     string          `json:"transaction_id,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	GatewayResponse   json.RawMessage `json:"gateway_response,omitempty"`
	Tracking          bool            `json:"is_tracking"`
	Paused            bool            `json:"is_paused"`
	TrackingStartTime time.Time       `json:"tracking_start_time"`
	PollingStartTime  time.Time       `json:"polling_start_time,omitempty"`
	LastUpdated       time.Time       `json:"last_updated"`
	Elapsed           time.Duration   `json:"elapsed"`
	TimeoutWarning    bool            `json:"timeout_warning"`
	StopReason        StopReason      `json:"stop_reason,omitempty"`
}

// Observer receives tracker notifications. Nil fields are skipped.
// Callbacks run one at a time and may call back into the tracker.
type Observer struct {
	OnStatusChange func(Snapshot)
	OnComplete     func(Snapshot)
	OnFailure      func(Snapshot)
	OnStop         func(Snapshot)
	OnTick         func(elapsed time.Duration, warning bool)
	OnError        func(error)
}
