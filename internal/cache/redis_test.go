package cache

import (
	"context"
	"testing"
	"time"
)

func TestConnectRejectsMalformedURL(t *testing.T) {
	_, err := Connect(context.Background(), "redis://bad:url:extra:colons")
	if err == nil {
		t.Fatal("expected parse error for malformed url")
	}
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Port 1 is reserved, nothing listens there.
	_, err := Connect(ctx, "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected ping failure against a closed port")
	}
}
