package requestctx

import (
	"context"
	"testing"
)

func TestNormalizeBearer(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abc123", "Bearer abc123"},
		{"Bearer abc123", "Bearer abc123"},
		{"Bearer Bearer abc123", "Bearer abc123"},
		{"bearer abc123", "Bearer abc123"},
		{"  Bearer abc123  ", "Bearer abc123"},
		{"", ""},
		{"Bearer ", ""},
	}
	for _, tc := range cases {
		if got := NormalizeBearer(tc.in); got != tc.want {
			t.Errorf("NormalizeBearer(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeBearerIdempotent(t *testing.T) {
	once := NormalizeBearer("xyz")
	twice := NormalizeBearer(once)
	if once != twice {
		t.Errorf("not idempotent: %q vs %q", once, twice)
	}
}

func TestEtendoTokenMissing(t *testing.T) {
	c := New()
	if _, err := c.EtendoToken(); err != ErrMissingEtendoToken {
		t.Fatalf("expected ErrMissingEtendoToken, got %v", err)
	}

	c.SetExtraInfo(map[string]interface{}{"auth": map[string]interface{}{}})
	if _, err := c.EtendoToken(); err != ErrMissingEtendoToken {
		t.Fatalf("expected ErrMissingEtendoToken for empty auth, got %v", err)
	}
}

func TestEtendoTokenFromContext(t *testing.T) {
	c := New()
	c.SetExtraInfo(map[string]interface{}{
		"auth": map[string]interface{}{"ETENDO_TOKEN": "tok-1"},
	})
	ctx := With(context.Background(), c)

	token, err := EtendoToken(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "Bearer tok-1" {
		t.Errorf("got %q", token)
	}

	if _, err := EtendoToken(context.Background()); err != ErrMissingEtendoToken {
		t.Errorf("expected ErrMissingEtendoToken on bare context, got %v", err)
	}
}

func TestUsageAccumulation(t *testing.T) {
	c := New()
	c.AddUsage(10, 5)
	c.AddUsage(3, 2)

	u := c.UsageSnapshot()
	if u.PromptTokens != 13 || u.CompletionTokens != 7 || u.TotalTokens != 20 {
		t.Errorf("unexpected usage: %+v", u)
	}
}
