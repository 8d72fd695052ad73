package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	registry, err := NewRegistry([]*Backend{
		{Name: "stories", BaseURL: "http://stories.internal:8080", Timeout: 5 * time.Second},
		{Name: "orders", BaseURL: "https://orders.internal"},
	})
	require.NoError(t, err)

	b, err := registry.Lookup("stories")
	require.NoError(t, err)
	assert.Equal(t, "http://stories.internal:8080", b.BaseURL)

	// Timeout defaulted during validation.
	b, err = registry.Lookup("orders")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, b.Timeout)

	_, err = registry.Lookup("billing")
	assert.ErrorIs(t, err, ErrBackendNotFound)
	assert.ElementsMatch(t, []string{"stories", "orders"}, registry.Names())
}

func TestRegistry_Invalid(t *testing.T) {
	_, err := NewRegistry([]*Backend{{Name: "", BaseURL: "http://x"}})
	assert.Error(t, err)

	_, err = NewRegistry([]*Backend{{Name: "x", BaseURL: "ftp://host"}})
	assert.Error(t, err)

	_, err = NewRegistry([]*Backend{
		{Name: "x", BaseURL: "http://a"},
		{Name: "x", BaseURL: "http://b"},
	})
	assert.Error(t, err)
}

func TestHTTPTransport_Do(t *testing.T) {
	var gotPath, gotQuery, gotHeader string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Request-Id")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"s1"}`))
	}))
	defer server.Close()

	transport := NewHTTPTransport()
	b := &Backend{Name: "stories", BaseURL: server.URL, Timeout: 5 * time.Second}

	header := http.Header{}
	header.Set("X-Request-Id", "req-1")
	header.Set("Connection", "keep-alive")

	resp, err := transport.Do(context.Background(), b, &Request{
		Method:   http.MethodPost,
		Path:     "/api/stories",
		RawQuery: "draft=true",
		Header:   header,
		Body:     []byte(`{"title":"t"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"id":"s1"}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/api/stories", gotPath)
	assert.Equal(t, "draft=true", gotQuery)
	assert.Equal(t, "req-1", gotHeader)
	assert.Equal(t, `{"title":"t"}`, string(gotBody))
}

func TestHTTPTransport_ServerErrorIsNotTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewHTTPTransport()
	b := &Backend{Name: "stories", BaseURL: server.URL, Timeout: 5 * time.Second}

	resp, err := transport.Do(context.Background(), b, &Request{Method: http.MethodGet, Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPTransport_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport()
	b := &Backend{Name: "stories", BaseURL: server.URL, Timeout: 50 * time.Millisecond}

	_, err := transport.Do(context.Background(), b, &Request{Method: http.MethodGet, Path: "/slow"})
	assert.ErrorIs(t, err, ErrBackendTimeout)
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	transport := NewHTTPTransport()
	b := &Backend{Name: "stories", BaseURL: "http://127.0.0.1:1", Timeout: time.Second}

	_, err := transport.Do(context.Background(), b, &Request{Method: http.MethodGet, Path: "/"})
	require.Error(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "stories", transportErr.Backend)
	assert.False(t, IsTimeout(err))
}
