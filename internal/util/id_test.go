package util

import (
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsUUID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid, got %q: %v", id, err)
	}
	if NewID() == id {
		t.Fatalf("ids must differ")
	}
}

func TestNewTokenHasAtLeast32Bytes(t *testing.T) {
	tok, err := NewToken(8)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("token must be base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 random bytes, got %d", len(raw))
	}
}
