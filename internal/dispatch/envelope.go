package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Stable error codes carried in the error envelope. Callers key their retry
// behavior off these, so they never change meaning.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeAuthentication   = "AUTHENTICATION_FAILED"
	CodeForbidden        = "FORBIDDEN"
	CodeReuseDetected    = "TOKEN_REUSE_DETECTED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeBackendTimeout   = "BACKEND_TIMEOUT"
	CodeBackendError     = "BACKEND_ERROR"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeRouteNotFound    = "ROUTE_NOT_FOUND"
)

// ErrorEnvelope is the uniform error shape every failed request carries.
// Messages are generic on purpose: internal detail never leaks to callers.
type ErrorEnvelope struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	TraceID    string `json:"traceId"`
	RetryAfter int    `json:"retryAfterSeconds,omitempty"`
}

// envelopeBody is the JSON wrapper written to the response.
type envelopeBody struct {
	Error ErrorEnvelope `json:"error"`
}

// TraceID returns the request's correlation id: the active trace id when a
// span is recording, otherwise a fresh random id so every error is still
// correlatable in logs.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// WriteError writes the envelope as JSON with the given HTTP status.
func WriteError(w http.ResponseWriter, status int, envelope ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Trace-Id", envelope.TraceID)
	if envelope.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(envelope.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelopeBody{Error: envelope})
}

// retryAfterSeconds rounds a wait up to whole seconds, minimum one.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
