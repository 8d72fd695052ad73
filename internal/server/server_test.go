package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/gateway/internal/backend"
	"github.com/storyforge/gateway/internal/circuitbreaker"
	"github.com/storyforge/gateway/internal/dispatch"
	"github.com/storyforge/gateway/internal/ratelimit"
	"github.com/storyforge/gateway/internal/token"
)

// fakeTokens implements TokenService with canned results.
type fakeTokens struct {
	pair       *token.TokenPair
	refreshErr error
	issueErr   error
	revoked    []string
}

func (f *fakeTokens) Issue(_ context.Context, _, _ string, _ []string) (*token.TokenPair, error) {
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.pair, nil
}

func (f *fakeTokens) Refresh(_ context.Context, _ string) (*token.TokenPair, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.pair, nil
}

func (f *fakeTokens) RevokeAllForSubject(_ context.Context, subjectID string) error {
	f.revoked = append(f.revoked, subjectID)
	return nil
}

type fakeVerifier struct {
	claims *token.Claims
}

func (f *fakeVerifier) Verify(_ context.Context, _ string, _ bool) (*token.Claims, error) {
	return f.claims, nil
}

type fakeLimiter struct{}

func (fakeLimiter) Check(_ context.Context, _, _, _ string, _ bool) (*ratelimit.Decision, error) {
	return &ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99}, nil
}

func (fakeLimiter) CheckRule(_ context.Context, _, _, _ string, _ ratelimit.Rule, _ bool) (*ratelimit.Decision, error) {
	return &ratelimit.Decision{Allowed: true, Limit: 100, Remaining: 99}, nil
}

type fakeTransport struct{}

func (fakeTransport) Do(_ context.Context, _ *backend.Backend, _ *backend.Request) (*backend.Response, error) {
	return &backend.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
}

func testPair() *token.TokenPair {
	return &token.TokenPair{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    900,
		TokenID:      "jti-1",
	}
}

func newTestServer(t *testing.T, tokens TokenService) (*Server, *circuitbreaker.Registry) {
	t.Helper()

	table, err := dispatch.NewRouteTable([]*dispatch.Route{{
		Name:       "stories",
		PathPrefix: "/api/stories",
		Backend:    "stories",
	}})
	require.NoError(t, err)

	backends, err := backend.NewRegistry([]*backend.Backend{
		{Name: "stories", BaseURL: "http://stories.internal:8080", Timeout: time.Second},
	})
	require.NoError(t, err)

	breakers := circuitbreaker.NewRegistry(nil)
	dispatcher := dispatch.NewDispatcher(
		table,
		&fakeVerifier{},
		fakeLimiter{},
		breakers,
		backends,
		fakeTransport{},
	)

	config := DefaultConfig()
	config.AdminToken = "admin-secret"
	s, err := New(config, nil, dispatcher, tokens, breakers)
	require.NoError(t, err)
	return s, breakers
}

func doRequest(s *Server, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, r)
	return rec
}

func adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer admin-secret"}
}

func TestServer_Healthz(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})
	rec := doRequest(s, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Refresh(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})

	rec := doRequest(s, http.MethodPost, "/auth/refresh", []byte(`{"refreshToken":"refresh"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tokenPairResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "access", resp.AccessToken)
	assert.Equal(t, int64(900), resp.ExpiresIn)
}

func TestServer_Refresh_MissingBody(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})
	rec := doRequest(s, http.MethodPost, "/auth/refresh", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Refresh_ReuseDetected(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{refreshErr: token.ErrReuseDetected})

	rec := doRequest(s, http.MethodPost, "/auth/refresh", []byte(`{"refreshToken":"stolen"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body struct {
		Error dispatch.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, dispatch.CodeReuseDetected, body.Error.Code)
	assert.False(t, body.Error.Retryable)
	assert.NotEmpty(t, body.Error.TraceID)
}

func TestServer_Refresh_Expired(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{refreshErr: token.ErrTokenExpired})
	rec := doRequest(s, http.MethodPost, "/auth/refresh", []byte(`{"refreshToken":"old"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AdminRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})

	rec := doRequest(s, http.MethodGet, "/admin/breakers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/admin/breakers", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/admin/breakers", nil, adminHeader())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminIssue(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})

	body := []byte(`{"subject":"user-1","role":"author","permissions":["stories:write"]}`)
	rec := doRequest(s, http.MethodPost, "/admin/tokens", body, adminHeader())
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp tokenPairResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "jti-1", resp.TokenID)
}

func TestServer_AdminIssue_InvalidSubject(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{issueErr: token.ErrInvalidSubject})

	body := []byte(`{"subject":"x","role":"author"}`)
	rec := doRequest(s, http.MethodPost, "/admin/tokens", body, adminHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AdminRevokeSubject(t *testing.T) {
	tokens := &fakeTokens{pair: testPair()}
	s, _ := newTestServer(t, tokens)

	rec := doRequest(s, http.MethodPost, "/admin/subjects/user-1/revoke", nil, adminHeader())
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"user-1"}, tokens.revoked)
}

func TestServer_AdminBreakers(t *testing.T) {
	s, breakers := newTestServer(t, &fakeTokens{pair: testPair()})

	// Create breaker state by touching the registry.
	breakers.Get("stories")

	rec := doRequest(s, http.MethodGet, "/admin/breakers/stories", nil, adminHeader())
	require.Equal(t, http.StatusOK, rec.Code)

	var stats circuitbreaker.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "stories", stats.Name)
	assert.Equal(t, "closed", stats.State)

	rec = doRequest(s, http.MethodGet, "/admin/breakers/unknown", nil, adminHeader())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodPost, "/admin/breakers/stories/reset", nil, adminHeader())
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_EdgeTrafficReachesDispatcher(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})

	rec := doRequest(s, http.MethodGet, "/api/stories/s1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}

func TestServer_UnknownPath(t *testing.T) {
	s, _ := newTestServer(t, &fakeTokens{pair: testPair()})

	rec := doRequest(s, http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
