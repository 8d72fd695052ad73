package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a backend response is buffered. Responses
// larger than this fail the call rather than exhaust gateway memory.
const maxResponseBytes = 16 << 20

// Request is a buffered outbound request. The body is held as bytes so a
// retried call can replay it.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is a buffered backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs one call to a backend.
type Transport interface {
	// Do sends the request to the backend under the backend's timeout.
	// A deadline failure is reported as ErrBackendTimeout, connectivity
	// failures as TransportError. A response with any HTTP status,
	// including 5xx, is a successful transport call.
	Do(ctx context.Context, b *Backend, req *Request) (*Response, error)
}

// HTTPTransport is the production Transport over a shared http.Client.
type HTTPTransport struct {
	client *http.Client
	logger *zap.Logger
}

// TransportOption is a functional option for the HTTP transport.
type TransportOption func(*HTTPTransport)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) TransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithClient replaces the underlying HTTP client.
func WithClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// NewHTTPTransport creates an HTTP transport with pooled connections.
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, b *Backend, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, b.joinURL(req.Path, req.RawQuery), body)
	if err != nil {
		return nil, &TransportError{Backend: b.Name, Cause: err}
	}
	copyHeader(httpReq.Header, req.Header)
	removeHopByHopHeaders(httpReq.Header)

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, t.mapError(ctx, b, err, start)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, t.mapError(ctx, b, err, start)
	}
	if len(respBody) > maxResponseBytes {
		return nil, &TransportError{Backend: b.Name, Cause: errors.New("response body too large")}
	}

	recordRequest(b.Name, httpResp.StatusCode, time.Since(start))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
	}, nil
}

// mapError classifies a failed call as a timeout or a transport error.
func (t *HTTPTransport) mapError(ctx context.Context, b *Backend, err error, start time.Time) error {
	elapsed := time.Since(start)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		recordTimeout(b.Name, elapsed)
		t.logger.Warn("backend call timed out",
			zap.String("backend", b.Name),
			zap.Duration("elapsed", elapsed),
		)
		return ErrBackendTimeout
	}

	recordTransportError(b.Name, elapsed)
	t.logger.Warn("backend call failed",
		zap.String("backend", b.Name),
		zap.Error(err),
	)
	return &TransportError{Backend: b.Name, Cause: err}
}

// copyHeader copies all values of src into dst.
func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders strips headers that must not be forwarded.
func removeHopByHopHeaders(header http.Header) {
	for _, h := range []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	} {
		header.Del(h)
	}
}

// statusLabel buckets a status code for metrics, e.g. "2xx".
func statusLabel(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
