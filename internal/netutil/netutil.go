package netutil

import (
	"net"
	"net/netip"
	"strings"
	"unicode/utf8"
)

const MaxUserAgentLength = 256

// NormalizeIP accepts a bare IP or a host:port pair (including bracketed
// IPv6) and returns the canonical IP portion without zone identifiers. The
// second return value reports whether the input parsed as an IP at all.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.WithZone("").String(), true
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr.WithZone("").String(), true
		}
	}
	return raw, false
}

// TruncateUserAgent caps user agent strings before they reach logs or storage.
func TruncateUserAgent(ua string) string {
	if utf8.RuneCountInString(ua) <= MaxUserAgentLength {
		return ua
	}
	runes := []rune(ua)
	return string(runes[:MaxUserAgentLength])
}
