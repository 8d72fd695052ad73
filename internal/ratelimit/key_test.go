package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.5", "192.168.0.0/16", " ", "2001:db8::1"})
	require.NoError(t, err)

	assert.True(t, proxies.Contains("10.0.0.5"))
	assert.False(t, proxies.Contains("10.0.0.6"))
	assert.True(t, proxies.Contains("192.168.44.7"))
	assert.True(t, proxies.Contains("2001:db8::1"))
	assert.False(t, proxies.Contains("not-an-ip"))

	_, err = ParseTrustedProxies([]string{"bogus/entry"})
	assert.Error(t, err)
}

func TestClientAddress(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.9:51234",
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded header from trusted proxy",
			remoteAddr: "10.0.0.5:443",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.5"},
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded header from untrusted peer is ignored",
			remoteAddr: "203.0.113.9:51234",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.1"},
			want:       "203.0.113.9",
		},
		{
			name:       "real ip fallback behind trusted proxy",
			remoteAddr: "10.0.0.5:443",
			headers:    map[string]string{"X-Real-IP": "203.0.113.77"},
			want:       "203.0.113.77",
		},
		{
			name:       "ipv6 peer",
			remoteAddr: "[2001:db8::42]:443",
			want:       "2001:db8::42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/books", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientAddress(r, trusted))
		})
	}
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, "ip:203.0.113.9", IdentityKey("", "203.0.113.9"))
	assert.Equal(t, "ip:203.0.113.9:sub:user-1", IdentityKey("user-1", "203.0.113.9"))
}
