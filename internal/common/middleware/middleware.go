package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"paycore/internal/common/api"
)

// Context keys
type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
)

// Header names
const (
	HeaderCorrelationID      = "X-Correlation-ID"
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderIdempotentReplayed = "X-Idempotency-Replayed"
)

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID returns ctx carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationID middleware adds a correlation ID to each request
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = ulid.Make().String()
		}

		w.Header().Set(HeaderCorrelationID, correlationID)
		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), correlationID)))
	})
}

// Logger creates a structured logging middleware
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				logger.Log(r.Context(), level, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"correlation_id", GetCorrelationID(r.Context()),
					"remote_addr", r.RemoteAddr,
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Recoverer recovers from panics and logs them
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
						"method", r.Method,
						"correlation_id", GetCorrelationID(r.Context()),
					)
					api.InternalError(w, "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyStore keeps idempotency records by key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (record []byte, found bool, err error)
	Reserve(ctx context.Context, key string, record []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, record []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Idempotency record states
const (
	idempotencyProcessing = "processing"
	idempotencyCompleted  = "completed"
)

// reservationTTL bounds how long a crashed request can hold its key.
const reservationTTL = 5 * time.Minute

type idempotencyRecord struct {
	State    string `json:"state"`
	BodyHash string `json:"body_hash"`
	Status   int    `json:"status,omitempty"`
	Body     []byte `json:"body,omitempty"`
}

// Idempotency makes a POST carrying an Idempotency-Key run at most once. The
// key is reserved before the handler runs; a repeat while it is held gets 409,
// a repeat with a different body gets 422, and a repeat after a 2xx replays
// the stored response. Non-2xx responses release the key so the client can
// retry.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	lockTTL := min(ttl, reservationTTL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + ":" + key
			ctx := r.Context()
			correlationID := GetCorrelationID(ctx)

			body, err := io.ReadAll(r.Body)
			if err != nil {
				api.WriteError(w, http.StatusBadRequest, api.ErrCodeValidation, "Unable to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			hash := hex.EncodeToString(sum[:])

			marker, _ := json.Marshal(idempotencyRecord{State: idempotencyProcessing, BodyHash: hash})
			reserved, err := store.Reserve(ctx, key, marker, lockTTL)
			if err != nil {
				logger.Warn("idempotency reservation failed", "error", err, "correlation_id", correlationID)
				next.ServeHTTP(w, r)
				return
			}
			if !reserved {
				replayIdempotent(w, r, store, key, hash, logger)
				return
			}

			completed := false
			defer func() {
				if completed {
					return
				}
				if err := store.Delete(context.WithoutCancel(ctx), key); err != nil {
					logger.Warn("idempotency release failed", "error", err, "correlation_id", correlationID)
				}
			}()

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			data, _ := json.Marshal(idempotencyRecord{
				State:    idempotencyCompleted,
				BodyHash: hash,
				Status:   rec.status,
				Body:     rec.body,
			})
			if err := store.Set(context.WithoutCancel(ctx), key, data, ttl); err != nil {
				logger.Warn("idempotency store failed", "error", err, "correlation_id", correlationID)
				return
			}
			completed = true
		})
	}
}

func replayIdempotent(w http.ResponseWriter, r *http.Request, store IdempotencyStore, key, hash string, logger *slog.Logger) {
	cached, found, err := store.Get(r.Context(), key)
	if err != nil {
		logger.Warn("idempotency lookup failed", "error", err, "correlation_id", GetCorrelationID(r.Context()))
	}
	var stored idempotencyRecord
	if err != nil || !found || json.Unmarshal(cached, &stored) != nil {
		api.WriteError(w, http.StatusConflict, api.ErrCodeRequestInProgress, "A request with this idempotency key is in progress")
		return
	}

	switch {
	case stored.BodyHash != hash:
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeIdempotencyReused, "Idempotency key was used with a different request body")
	case stored.State != idempotencyCompleted:
		api.WriteError(w, http.StatusConflict, api.ErrCodeRequestInProgress, "A request with this idempotency key is in progress")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderIdempotentReplayed, "true")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// RateLimiter decides whether the caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// errors let the request through. onLimited, when set, is called for every
// rejected request.
func RateLimit(limiter RateLimiter, keyFunc func(r *http.Request) string, onLimited func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil || allowed {
				next.ServeHTTP(w, r)
				return
			}
			if onLimited != nil {
				onLimited(r)
			}
			api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeRateLimited, "Too many requests")
		})
	}
}

// ClientIP keys rate limits by the caller's address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
