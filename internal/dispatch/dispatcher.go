// Package dispatch composes the gateway's edge pipeline. Every inbound
// request passes through the same fixed order: token verification, rate
// limiting, circuit breaker guard, then the outbound backend call with its
// bounded retry loop. Failures are normalized into one error envelope.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/backend"
	"github.com/storyforge/gateway/internal/cache"
	"github.com/storyforge/gateway/internal/circuitbreaker"
	"github.com/storyforge/gateway/internal/ratelimit"
	"github.com/storyforge/gateway/internal/retry"
	"github.com/storyforge/gateway/internal/store"
	"github.com/storyforge/gateway/internal/token"
)

// maxRequestBytes caps the buffered inbound body. Larger requests are
// rejected before any backend work happens.
const maxRequestBytes = 8 << 20

// errServerStatus marks a 5xx backend response inside the breaker guard so
// it counts as a backend failure.
var errServerStatus = errors.New("backend returned a server error")

// Verifier validates an access token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, raw string, expectRefresh bool) (*token.Claims, error)
}

// RateChecker consumes rate limit budget for an identity and endpoint.
type RateChecker interface {
	Check(ctx context.Context, identity, method, path string, rateSensitive bool) (*ratelimit.Decision, error)
	CheckRule(ctx context.Context, identity, method, path string, rule ratelimit.Rule, rateSensitive bool) (*ratelimit.Decision, error)
}

// Dispatcher is the single entry point for edge traffic.
type Dispatcher struct {
	mu        sync.RWMutex
	table     *RouteTable
	tokens    Verifier
	limiter   RateChecker
	breakers  *circuitbreaker.Registry
	backends  *backend.Registry
	transport backend.Transport

	authz   *cache.AuthzCache
	trusted ratelimit.TrustedProxies
	logger  *zap.Logger
}

// Option is a functional option for the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithAuthzCache sets the authorization verdict cache.
func WithAuthzCache(c *cache.AuthzCache) Option {
	return func(d *Dispatcher) {
		d.authz = c
	}
}

// WithTrustedProxies sets the proxies whose forwarded headers are believed.
func WithTrustedProxies(trusted ratelimit.TrustedProxies) Option {
	return func(d *Dispatcher) {
		d.trusted = trusted
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	table *RouteTable,
	tokens Verifier,
	limiter RateChecker,
	breakers *circuitbreaker.Registry,
	backends *backend.Registry,
	transport backend.Transport,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		table:     table,
		tokens:    tokens,
		limiter:   limiter,
		breakers:  breakers,
		backends:  backends,
		transport: transport,
		authz:     cache.NewAuthzCache(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetTable swaps the route table, used by config hot reload.
func (d *Dispatcher) SetTable(table *RouteTable) error {
	if table == nil {
		return errors.New("dispatch: route table is required")
	}
	d.mu.Lock()
	d.table = table
	d.mu.Unlock()
	d.logger.Info("route table reloaded", zap.Int("routes", len(table.Routes())))
	return nil
}

// ServeHTTP matches the request path against the route table and dispatches.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	table := d.table
	d.mu.RUnlock()

	route, ok := table.Match(r.URL.Path)
	if !ok {
		traceID := TraceID(r.Context())
		recordDispatch("unmatched", CodeRouteNotFound, 0)
		WriteError(w, http.StatusNotFound, ErrorEnvelope{
			Code:      CodeRouteNotFound,
			Message:   "no route matches the request path",
			Retryable: false,
			TraceID:   traceID,
		})
		return
	}
	d.Dispatch(w, r, route)
}

// Dispatch runs the pipeline for one request against a resolved route.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, route *Route) {
	ctx := r.Context()
	traceID := TraceID(ctx)
	start := time.Now()

	fail := func(status int, envelope ErrorEnvelope) {
		recordDispatch(route.Name, envelope.Code, time.Since(start))
		WriteError(w, status, envelope)
	}

	// Verification runs first so unauthenticated traffic never consumes
	// limiter budget or touches breaker state.
	var claims *token.Claims
	if route.RequiresAuth {
		var envelope *ErrorEnvelope
		var status int
		claims, status, envelope = d.authenticate(ctx, r, route, traceID)
		if envelope != nil {
			fail(status, *envelope)
			return
		}
	}

	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	identity := ratelimit.IdentityKey(subject, ratelimit.ClientAddress(r, d.trusted))

	decision, err := d.checkRate(ctx, identity, r, route)
	if err != nil {
		if store.IsUnavailable(err) {
			fail(http.StatusServiceUnavailable, ErrorEnvelope{
				Code:      CodeStoreUnavailable,
				Message:   "service temporarily unavailable",
				Retryable: true,
				TraceID:   traceID,
			})
			return
		}
		d.logger.Error("rate limit check failed", zap.Error(err), zap.String("traceId", traceID))
		fail(http.StatusServiceUnavailable, ErrorEnvelope{
			Code:      CodeStoreUnavailable,
			Message:   "service temporarily unavailable",
			Retryable: true,
			TraceID:   traceID,
		})
		return
	}
	if !decision.Allowed {
		fail(http.StatusTooManyRequests, ErrorEnvelope{
			Code:       CodeRateLimited,
			Message:    "rate limit exceeded",
			Retryable:  true,
			TraceID:    traceID,
			RetryAfter: retryAfterSeconds(decision.RetryAfter),
		})
		return
	}

	be, err := d.backends.Lookup(route.Backend)
	if err != nil {
		d.logger.Error("route names unknown backend",
			zap.String("route", route.Name),
			zap.String("backend", route.Backend),
		)
		fail(http.StatusServiceUnavailable, ErrorEnvelope{
			Code:      CodeBackendError,
			Message:   "backend not available",
			Retryable: false,
			TraceID:   traceID,
		})
		return
	}

	outReq, err := d.buildRequest(r, route, claims, traceID)
	if err != nil {
		fail(http.StatusBadRequest, ErrorEnvelope{
			Code:      CodeValidation,
			Message:   "request body could not be read",
			Retryable: false,
			TraceID:   traceID,
		})
		return
	}

	resp, err := d.callBackend(ctx, route, be, outReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller is gone, nothing left to write.
			recordDispatch(route.Name, "cancelled", time.Since(start))
			return
		}
		status, envelope := d.mapBackendError(err, traceID)
		fail(status, envelope)
		return
	}

	if resp.StatusCode >= 500 {
		fail(resp.StatusCode, ErrorEnvelope{
			Code:      CodeBackendError,
			Message:   "backend request failed",
			Retryable: true,
			TraceID:   traceID,
		})
		return
	}

	recordDispatch(route.Name, "ok", time.Since(start))
	writeResponse(w, resp, traceID)
}

// authenticate verifies the bearer token and, when the route demands a
// permission, checks it against the cached verdicts.
func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request, route *Route, traceID string) (*token.Claims, int, *ErrorEnvelope) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, http.StatusUnauthorized, &ErrorEnvelope{
			Code:      CodeAuthentication,
			Message:   "authentication required",
			Retryable: false,
			TraceID:   traceID,
		}
	}

	claims, err := d.tokens.Verify(ctx, raw, false)
	if err != nil {
		if store.IsUnavailable(err) {
			return nil, http.StatusServiceUnavailable, &ErrorEnvelope{
				Code:      CodeStoreUnavailable,
				Message:   "service temporarily unavailable",
				Retryable: true,
				TraceID:   traceID,
			}
		}
		d.logger.Warn("token verification failed",
			zap.Error(err),
			zap.String("route", route.Name),
			zap.String("traceId", traceID),
		)
		return nil, http.StatusUnauthorized, &ErrorEnvelope{
			Code:      CodeAuthentication,
			Message:   "authentication failed",
			Retryable: false,
			TraceID:   traceID,
		}
	}

	if route.Permission != "" {
		key := cache.Key(claims.Subject, route.Permission, route.Name)
		allowed, cached := d.authz.Get(key)
		if !cached {
			allowed = claims.HasPermission(route.Permission)
			d.authz.Set(key, allowed)
		}
		if !allowed {
			return nil, http.StatusForbidden, &ErrorEnvelope{
				Code:      CodeForbidden,
				Message:   "permission denied",
				Retryable: false,
				TraceID:   traceID,
			}
		}
	}

	return claims, 0, nil
}

// checkRate consumes limiter budget, honoring a route-level rule override.
func (d *Dispatcher) checkRate(ctx context.Context, identity string, r *http.Request, route *Route) (*ratelimit.Decision, error) {
	if route.RateLimit != nil {
		return d.limiter.CheckRule(ctx, identity, r.Method, r.URL.Path, *route.RateLimit, route.RateSensitive)
	}
	return d.limiter.Check(ctx, identity, r.Method, r.URL.Path, route.RateSensitive)
}

// callBackend runs the guarded outbound call with the route's retry policy.
// A 5xx response counts as a breaker failure even though the transport call
// itself succeeded.
func (d *Dispatcher) callBackend(ctx context.Context, route *Route, be *backend.Backend, outReq *backend.Request) (*backend.Response, error) {
	breaker := d.breakers.Get(route.Backend)

	policy := route.Retry
	if !retry.Eligible(outReq.Method, outReq.Header) {
		policy = retry.DefaultPolicy()
	}

	attempt := func(ctx context.Context) (*backend.Response, error) {
		var resp *backend.Response
		guardErr := breaker.Guard(ctx, func(ctx context.Context) error {
			var callErr error
			resp, callErr = d.transport.Do(ctx, be, outReq)
			if callErr != nil {
				return callErr
			}
			if resp.StatusCode >= 500 {
				return errServerStatus
			}
			return nil
		})
		if errors.Is(guardErr, circuitbreaker.ErrCircuitOpen) {
			// No point retrying against the same open circuit.
			return nil, retry.Permanent(guardErr)
		}
		if guardErr != nil && !errors.Is(guardErr, errServerStatus) {
			return nil, guardErr
		}
		return resp, nil
	}

	return retry.Do(ctx, policy, attempt)
}

// mapBackendError translates a failed outbound call into the envelope.
func (d *Dispatcher) mapBackendError(err error, traceID string) (int, ErrorEnvelope) {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, ErrorEnvelope{
			Code:      CodeCircuitOpen,
			Message:   "backend temporarily unavailable",
			Retryable: true,
			TraceID:   traceID,
		}
	case backend.IsTimeout(err):
		return http.StatusGatewayTimeout, ErrorEnvelope{
			Code:      CodeBackendTimeout,
			Message:   "backend request timed out",
			Retryable: true,
			TraceID:   traceID,
		}
	default:
		d.logger.Warn("backend call failed", zap.Error(err), zap.String("traceId", traceID))
		return http.StatusBadGateway, ErrorEnvelope{
			Code:      CodeBackendError,
			Message:   "backend request failed",
			Retryable: true,
			TraceID:   traceID,
		}
	}
}

// buildRequest buffers the inbound request into a replayable outbound one.
func (d *Dispatcher) buildRequest(r *http.Request, route *Route, claims *token.Claims, traceID string) (*backend.Request, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			return nil, err
		}
	}

	header := r.Header.Clone()
	header.Set("X-Trace-Id", traceID)
	header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		header.Set("X-Forwarded-Proto", "https")
	} else {
		header.Set("X-Forwarded-Proto", "http")
	}
	appendForwardedFor(header, ratelimit.ClientAddress(r, d.trusted))

	// Backends trust the gateway for identity, so claims travel as headers
	// and the raw credential does not.
	header.Del("Authorization")
	if claims != nil {
		header.Set("X-Subject-Id", claims.Subject)
		header.Set("X-Subject-Role", claims.Role)
		header.Set("X-Session-Id", claims.SessionID)
	}

	return &backend.Request{
		Method:   r.Method,
		Path:     route.backendPath(r.URL.Path),
		RawQuery: r.URL.RawQuery,
		Header:   header,
		Body:     body,
	}, nil
}

// writeResponse forwards the backend's status, headers, and body unchanged.
func writeResponse(w http.ResponseWriter, resp *backend.Response, traceID string) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.Header().Set("X-Trace-Id", traceID)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// appendForwardedFor adds the client address to the forwarding chain.
func appendForwardedFor(header http.Header, clientAddr string) {
	if prior := header.Get("X-Forwarded-For"); prior != "" {
		header.Set("X-Forwarded-For", prior+", "+clientAddr)
		return
	}
	header.Set("X-Forwarded-For", clientAddr)
}

// InvalidateSubject drops cached authorization verdicts for a subject.
// Called alongside subject-wide revocation.
func (d *Dispatcher) InvalidateSubject(subject string) {
	d.authz.InvalidateSubject(subject)
}
