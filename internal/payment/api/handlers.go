package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"paycore/internal/common/api"
	"paycore/internal/payment"
)

// Handler handles payment HTTP requests
type Handler struct {
	service  *payment.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
	ping     time.Duration
}

// NewHandler creates a new payment handler. Websocket origins are checked by
// checkOrigin; nil accepts any origin.
func NewHandler(service *payment.Service, logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ping: 30 * time.Second,
	}
}

// Routes returns the payment routes. submit wraps the payment submission
// route only.
func (h *Handler) Routes(submit ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/quote", h.Quote)
	r.Post("/validate", h.Validate)
	r.With(submit...).Post("/", h.Process)
	r.Get("/", h.List)

	r.Route("/{reference}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/tracking", h.GetTracking)
		r.Delete("/tracking", h.StopTracking)
		r.Get("/stream", h.Stream)
	})

	return r
}

// PaymentRequest is the API request for validating or processing a payment
type PaymentRequest struct {
	Amount          float64 `json:"amount"`
	PaymentMethod   string  `json:"payment_method"`
	PhoneNumber     string  `json:"phone_number" validate:"max=32"`
	Provider        string  `json:"provider"`
	Email           string  `json:"email" validate:"max=254"`
	Description     string  `json:"description" validate:"max=500"`
	TransactionType string  `json:"transaction_type"`
}

func (req PaymentRequest) toDomain() payment.Request {
	return payment.Request{
		Amount:          req.Amount,
		Method:          payment.Method(req.PaymentMethod),
		PhoneNumber:     req.PhoneNumber,
		Provider:        payment.Provider(req.Provider),
		Email:           req.Email,
		Description:     req.Description,
		TransactionType: payment.TransactionType(req.TransactionType),
	}
}

// QuoteRequest is the API request for a fee quote
type QuoteRequest struct {
	Amount          float64 `json:"amount" validate:"gt=0"`
	TransactionType string  `json:"transaction_type"`
}

// ValidateResponse is the result of a dry-run validation
type ValidateResponse struct {
	Valid      bool            `json:"valid"`
	Field      string          `json:"field,omitempty"`
	Error      string          `json:"error,omitempty"`
	Warning    string          `json:"warning,omitempty"`
	Normalized payment.Request `json:"normalized"`
}

// Quote handles POST /quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	breakdown, err := h.service.Quote(req.Amount, payment.TransactionType(req.TransactionType))
	if err != nil {
		writeValidationError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, breakdown)
}

// Validate handles POST /validate
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res := h.service.Validate(req.toDomain())
	api.WriteData(w, http.StatusOK, ValidateResponse{
		Valid:      res.Valid,
		Field:      res.Field,
		Error:      res.Error,
		Warning:    res.Warning,
		Normalized: res.Normalized,
	})
}

// Process handles POST /
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	res, err := h.service.Process(r.Context(), req.toDomain())
	if err != nil {
		writeValidationError(w, err)
		return
	}

	if res.Succeeded() {
		api.WriteJSON(w, http.StatusCreated, api.Response[*payment.Payment]{
			Data:    res.Payment,
			Message: res.UserMessage(),
			Warning: res.Warning,
		})
		return
	}

	status, code := failureStatus(res.Payment.Outcome.Failure)
	api.WriteErrorWithDetails(w, status, code, res.UserMessage(), map[string]string{
		"payment_id": res.Payment.ID,
		"failure":    string(res.Payment.Outcome.Failure),
	})
}

func failureStatus(kind payment.FailureKind) (int, string) {
	switch kind {
	case payment.FailureDeclined:
		return http.StatusPaymentRequired, api.ErrCodePaymentDeclined
	case payment.FailureTransport:
		return http.StatusBadGateway, api.ErrCodeGatewayUnavailable
	default:
		return http.StatusBadGateway, api.ErrCodeGatewayError
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *payment.ValidationError
	if errors.As(err, &verr) {
		api.FieldError(w, verr.Field, verr.Message)
		return
	}
	api.ValidationError(w, err)
}

// List handles GET /
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := api.GetPaginationParams(r, 20, 100)

	payments, total, err := h.service.List(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.logger.Error("failed to list payments", "error", err)
		api.InternalError(w, "failed to list payments")
		return
	}
	api.WritePaginated(w, payments, api.NewPagination(page, len(payments), total))
}

// Get handles GET /{reference}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	p, err := h.service.Get(r.Context(), reference)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			api.NotFound(w, "payment not found")
			return
		}
		h.logger.Error("failed to get payment", "reference", reference, "error", err)
		api.InternalError(w, "failed to get payment")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// GetTracking handles GET /{reference}/tracking
func (h *Handler) GetTracking(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.service.Tracking(chi.URLParam(r, "reference"))
	if !ok {
		api.NotFound(w, "payment is not being tracked")
		return
	}
	api.WriteData(w, http.StatusOK, snap)
}

// StopTracking handles DELETE /{reference}/tracking
func (h *Handler) StopTracking(w http.ResponseWriter, r *http.Request) {
	if !h.service.StopTracking(chi.URLParam(r, "reference")) {
		api.NotFound(w, "payment is not being tracked")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
