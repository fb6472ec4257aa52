package transport

import (
	"context"
	"errors"
	"testing"
)

func TestFake_ScriptedResponseDecodesIntoOut(t *testing.T) {
	f := NewFake()
	f.Script("/items/sync", FakeResponse{Body: map[string]any{"retrieved": []string{"a", "b"}}})

	var out struct {
		Retrieved []string `json:"retrieved"`
	}
	if err := f.Post(context.Background(), "/items/sync", map[string]any{}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Retrieved) != 2 {
		t.Fatalf("expected decoded retrieved slice, got %+v", out)
	}
	if len(f.Calls) != 1 || f.Calls[0].Path != "/items/sync" {
		t.Fatalf("expected call recorded, got %+v", f.Calls)
	}
}

func TestFake_ScriptedErrorIsReturned(t *testing.T) {
	f := NewFake()
	f.Script("/auth/refresh", FakeResponse{Err: ErrUnauthorized})

	err := f.Get(context.Background(), "/auth/refresh", nil, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTokenExpiry_RejectsMalformedToken(t *testing.T) {
	_, err := TokenExpiry("not-a-jwt")
	if err == nil {
		t.Fatalf("expected malformed token to error")
	}
}
