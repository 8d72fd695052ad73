package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is a parsed allow-list of proxy addresses whose forwarded
// headers may be believed.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies parses an allow-list of IPs or CIDR ranges.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var proxies TrustedProxies
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				proxies = append(proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
				continue
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, network)
	}
	return proxies, nil
}

// Contains reports whether the address is on the allow-list.
func (t TrustedProxies) Contains(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range t {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientAddress derives the caller's network address. Forwarded headers are
// untrusted input: the first X-Forwarded-For hop is used only when the
// directly connected peer is a trusted proxy; otherwise the observed
// connection address wins.
func ClientAddress(r *http.Request, trusted TrustedProxies) string {
	peer := remoteHost(r.RemoteAddr)

	if trusted.Contains(peer) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	return peer
}

// remoteHost strips the port and IPv6 brackets from a remote address.
func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.TrimPrefix(host, "[")
	return strings.TrimSuffix(host, "]")
}

// IdentityKey builds the rate limit identity. The address is always part of
// the key so anonymous traffic is bounded; the authenticated subject is
// joined in so a shared address does not collapse distinct users into one
// bucket.
func IdentityKey(subject, clientAddr string) string {
	if subject == "" {
		return "ip:" + clientAddr
	}
	return "ip:" + clientAddr + ":sub:" + subject
}
