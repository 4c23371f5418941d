package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"paycore/internal/tracker"
)

const (
	DefaultInitiateFunction = "process-payment"
	DefaultStatusPath       = "/functions/v1/payment-status"

	maxResponseBytes = 1 << 20
)

// ErrStatusNotFound is returned when the backend has no record for a reference.
var ErrStatusNotFound = errors.New("payment status not found")

// Config holds hosted backend configuration.
type Config struct {
	BaseURL          string        `envconfig:"BASE_URL" required:"true"`
	APIKey           string        `envconfig:"API_KEY"`
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"30s"`
	InitiateFunction string        `envconfig:"INITIATE_FUNCTION" default:"process-payment"`
	StatusPath       string        `envconfig:"STATUS_PATH" default:"/functions/v1/payment-status"`
}

func newHTTPClient(cfg Config) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c Config) authorize(req *http.Request) {
	if c.APIKey == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("apikey", c.APIKey)
}

// HTTPInvoker calls backend functions at {BaseURL}/functions/v1/{name}.
type HTTPInvoker struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPInvoker creates an invoker for the hosted backend.
func NewHTTPInvoker(cfg Config, logger *slog.Logger) *HTTPInvoker {
	return &HTTPInvoker{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
		logger:     logger,
	}
}

// Invoke posts params to the named function. A 2xx body is the function's
// data; any other status is reported through the error envelope.
func (h *HTTPInvoker) Invoke(ctx context.Context, function string, params InitiateParams) (*InvokeResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	endpoint := strings.TrimRight(h.config.BaseURL, "/") + "/functions/v1/" + function
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	h.config.authorize(httpReq)

	start := time.Now()
	httpResp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", function, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", function, err)
	}

	h.logger.Debug("gateway function invoked",
		"function", function,
		"status", httpResp.StatusCode,
		"duration", time.Since(start),
	)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &InvokeResult{Error: &InvokeError{Message: errorMessage(httpResp.StatusCode, respBody)}}, nil
	}

	var data InvokeData
	if err := json.Unmarshal(respBody, &data); err != nil {
		return &InvokeResult{Error: &InvokeError{Message: "invalid response from payment gateway"}}, nil
	}
	return &InvokeResult{Data: &data}, nil
}

func errorMessage(status int, body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return fmt.Sprintf("payment gateway returned status %d", status)
}

// StatusClient reads payment status records from the backend.
type StatusClient struct {
	config     Config
	httpClient *http.Client
}

// NewStatusClient creates a status client.
func NewStatusClient(cfg Config) *StatusClient {
	if cfg.StatusPath == "" {
		cfg.StatusPath = DefaultStatusPath
	}
	return &StatusClient{
		config:     cfg,
		httpClient: newHTTPClient(cfg),
	}
}

// QueryStatus fetches the status record for reference.
func (s *StatusClient) QueryStatus(ctx context.Context, reference string) (*tracker.Record, error) {
	endpoint := strings.TrimRight(s.config.BaseURL, "/") + s.config.StatusPath +
		"?reference=" + url.QueryEscape(reference)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	s.config.authorize(httpReq)

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrStatusNotFound, reference)
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		return nil, fmt.Errorf("query status: %s", errorMessage(httpResp.StatusCode, respBody))
	}

	var rec tracker.Record
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if rec.Reference == "" {
		rec.Reference = reference
	}
	return &rec, nil
}
