package netutil

import (
	"strings"
	"testing"
)

func TestNormalizeIP(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"bare ipv4", "192.0.2.4", "192.0.2.4", true},
		{"ipv4 with port", "192.0.2.4:1234", "192.0.2.4", true},
		{"bare ipv6", "2001:db8::1", "2001:db8::1", true},
		{"bracketed ipv6 with port", "[2001:db8::1]:443", "2001:db8::1", true},
		{"ipv6 zone stripped", "fe80::1%eth0", "fe80::1", true},
		{"whitespace", "  10.0.0.1 ", "10.0.0.1", true},
		{"hostname", "example.com", "example.com", false},
		{"empty", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeIP(tc.in)
			if got != tc.want || ok != tc.wantOK {
				t.Fatalf("NormalizeIP(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestTruncateUserAgent(t *testing.T) {
	short := "Mozilla/5.0"
	if got := TruncateUserAgent(short); got != short {
		t.Fatalf("short UA modified: %q", got)
	}

	long := strings.Repeat("é", MaxUserAgentLength+50)
	got := TruncateUserAgent(long)
	if n := len([]rune(got)); n != MaxUserAgentLength {
		t.Fatalf("truncated UA has %d runes, want %d", n, MaxUserAgentLength)
	}
	for _, r := range got {
		if r != 'é' {
			t.Fatalf("rune corrupted by truncation: %q", r)
		}
	}
}
