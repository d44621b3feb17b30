package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestWithAndID(t *testing.T) {
	ctx := With(context.Background(), "  req-123 ")
	if got := ID(ctx); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
	if got := ID(context.Background()); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestWithRejectsInvalid(t *testing.T) {
	base := With(context.Background(), "kept")
	for _, id := range []string{"", "   ", "bad\nid", strings.Repeat("x", MaxIDLength+1), "olá"} {
		if got := ID(With(base, id)); got != "kept" {
			t.Fatalf("id %q replaced the existing id: %q", id, got)
		}
	}
}

func TestFromHeader(t *testing.T) {
	if got := FromHeader("client-id"); got != "client-id" {
		t.Fatalf("expected client id, got %q", got)
	}
	a, b := FromHeader(""), FromHeader("bad\x01")
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct generated ids, got %q %q", a, b)
	}
	if _, ok := Normalize(a); !ok {
		t.Fatalf("generated id %q must be valid", a)
	}
}
