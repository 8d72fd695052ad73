package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storyforge/gateway/internal/store"
)

// testClock is a controllable time source shared by the store and manager.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.AccessSecret = "access-secret-for-tests"
	cfg.RefreshSecret = "refresh-secret-for-tests"
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *testClock, *store.MemoryStore) {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(store.WithClock(clock.Now))

	m, err := NewManager(testConfig(), s, WithClock(clock.Now), WithLogger(zap.NewNop()))
	require.NoError(t, err)

	return m, clock, s
}

func TestNewManager_ConfigValidation(t *testing.T) {
	s := store.NewMemoryStore()

	_, err := NewManager(nil, s)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.RefreshSecret = cfg.AccessSecret
	_, err = NewManager(cfg, s)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Algorithm = "RS256"
	_, err = NewManager(cfg, s)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.RefreshLifetime = time.Minute
	_, err = NewManager(cfg, s)
	assert.Error(t, err)
}

func TestIssue_InvalidSubject(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Issue(ctx, "", "reader", nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = m.Issue(ctx, "alice", "", nil)
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = m.Issue(ctx, "alice", "reader", []string{"books:read", " "})
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestIssueAndVerify(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "alice", "author", []string{"books:read", "books:write"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEmpty(t, pair.TokenID)
	assert.Equal(t, int64(DefaultAccessLifetime.Seconds()), pair.ExpiresIn)

	claims, err := m.Verify(ctx, pair.AccessToken, false)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "author", claims.Role)
	assert.Equal(t, KindAccess, claims.Kind)
	assert.Equal(t, pair.TokenID, claims.TokenID)
	assert.True(t, claims.HasPermission("books:write"))
	assert.False(t, claims.HasPermission("orders:create"))

	refreshClaims, err := m.Verify(ctx, pair.RefreshToken, true)
	require.NoError(t, err)
	assert.Equal(t, KindRefresh, refreshClaims.Kind)
	assert.Equal(t, claims.SessionID, refreshClaims.SessionID)
}

func TestVerify_Expired(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "alice", "reader", []string{"books:read"})
	require.NoError(t, err)

	// Valid right up to the lifetime, expired after.
	clock.Advance(DefaultAccessLifetime - time.Second)
	_, err = m.Verify(ctx, pair.AccessToken, false)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = m.Verify(ctx, pair.AccessToken, false)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_Malformed(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Verify(ctx, "", false)
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, err = m.Verify(ctx, "not-a-jwt", false)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestVerify_BadSignature(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "alice", "reader", []string{"books:read"})
	require.NoError(t, err)

	// An access token presented where a refresh token is expected fails
	// signature verification: the kinds use different secrets.
	_, err = m.Verify(ctx, pair.AccessToken, true)
	assert.ErrorIs(t, err, ErrTokenSignature)

	// A token signed by a manager with different secrets is rejected.
	otherCfg := testConfig()
	otherCfg.AccessSecret = "some-other-access-secret"
	otherCfg.RefreshSecret = "some-other-refresh-secret"
	other, err := NewManager(otherCfg, store.NewMemoryStore())
	require.NoError(t, err)

	foreign, err := other.Issue(ctx, "mallory", "reader", nil)
	require.NoError(t, err)

	_, err = m.Verify(ctx, foreign.AccessToken, false)
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestVerify_IssuerAndAudience(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	otherCfg := testConfig()
	otherCfg.Issuer = "someone-else"
	other, err := NewManager(otherCfg, store.NewMemoryStore())
	require.NoError(t, err)

	pair, err := other.Issue(ctx, "alice", "reader", nil)
	require.NoError(t, err)

	_, err = m.Verify(ctx, pair.AccessToken, false)
	assert.ErrorIs(t, err, ErrTokenInvalidClaim)
}

func TestRefresh_RotatesPair(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "alice", "author", []string{"books:write"})
	require.NoError(t, err)

	oldClaims, err := m.Verify(ctx, pair.RefreshToken, true)
	require.NoError(t, err)

	newPair, err := m.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.TokenID, newPair.TokenID)

	// Role, permissions, and session survive the rotation.
	newClaims, err := m.Verify(ctx, newPair.AccessToken, false)
	require.NoError(t, err)
	assert.Equal(t, "author", newClaims.Role)
	assert.Equal(t, []string{"books:write"}, newClaims.Permissions)
	assert.Equal(t, oldClaims.SessionID, newClaims.SessionID)
}

func TestRefresh_ReuseDetection(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "alice", "author", []string{"books:write"})
	require.NoError(t, err)

	newPair, err := m.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Second exchange of the consumed token is theft: it fails, and every
	// token the subject holds is revoked before the error returns.
	_, err = m.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrReuseDetected)

	_, err = m.Verify(ctx, newPair.AccessToken, false)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Every subsequent exchange attempt keeps failing.
	_, err = m.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrReuseDetected)
}

func TestRevokeAllForSubject(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Issue(ctx, "alice", "author", nil)
	require.NoError(t, err)
	second, err := m.Issue(ctx, "alice", "author", nil)
	require.NoError(t, err)
	bob, err := m.Issue(ctx, "bob", "reader", nil)
	require.NoError(t, err)

	require.NoError(t, m.RevokeAllForSubject(ctx, "alice"))

	_, err = m.Verify(ctx, first.AccessToken, false)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = m.Verify(ctx, second.AccessToken, false)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Other subjects are untouched.
	_, err = m.Verify(ctx, bob.AccessToken, false)
	assert.NoError(t, err)

	// Idempotent.
	require.NoError(t, m.RevokeAllForSubject(ctx, "alice"))

	err = m.RevokeAllForSubject(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestRevokeAllForSubject_OutlivesAccessLifetime(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	pair, err := m.Issue(ctx, "alice", "author", nil)
	require.NoError(t, err)

	require.NoError(t, m.RevokeAllForSubject(ctx, "alice"))

	// Long after the access token has expired, the refresh token still has
	// days of lifetime left. It must stay revoked and must not be
	// exchangeable for a fresh pair.
	clock.Advance(DefaultAccessLifetime + time.Minute)

	_, err = m.Verify(ctx, pair.RefreshToken, true)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = m.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	clock.Advance(24 * time.Hour)
	_, err = m.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestVerify_StoreUnavailableFailsClosed(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore(store.WithClock(clock.Now))

	m, err := NewManager(testConfig(), s, WithClock(clock.Now))
	require.NoError(t, err)

	pair, err := m.Issue(context.Background(), "alice", "reader", nil)
	require.NoError(t, err)

	failing := &failingStore{Store: s}
	m.store = failing

	_, err = m.Verify(context.Background(), pair.AccessToken, false)
	require.Error(t, err)
	assert.False(t, IsAuthenticationError(err))
}

// failingStore fails every read to simulate an unreachable store.
type failingStore struct {
	store.Store
}

func (f *failingStore) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, store.ErrStoreUnavailable
}
