package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/lenslab/lenscloud/internal/auth"
)

func TestGlassesTokenRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier("secret-1")
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}

	tok, err := v.MintGlassesToken("alex@example.com", time.Hour)
	if err != nil {
		t.Fatalf("MintGlassesToken() error: %v", err)
	}

	email, err := v.VerifyGlassesToken(tok)
	if err != nil {
		t.Fatalf("VerifyGlassesToken() error: %v", err)
	}
	if email != "alex@example.com" {
		t.Errorf("email = %q, want %q", email, "alex@example.com")
	}
}

func TestAppTokenRoundTrip(t *testing.T) {
	t.Parallel()

	v, _ := auth.NewVerifier("secret-1")

	tok, err := v.MintAppToken("com.example.captions", "key-123", 0)
	if err != nil {
		t.Fatalf("MintAppToken() error: %v", err)
	}

	pkg, key, err := v.VerifyAppToken(tok)
	if err != nil {
		t.Fatalf("VerifyAppToken() error: %v", err)
	}
	if pkg != "com.example.captions" || key != "key-123" {
		t.Errorf("got (%q, %q), want (com.example.captions, key-123)", pkg, key)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	issuer, _ := auth.NewVerifier("secret-a")
	verifier, _ := auth.NewVerifier("secret-b")

	tok, _ := issuer.MintGlassesToken("alex@example.com", time.Hour)

	_, err := verifier.VerifyGlassesToken(tok)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsCrossKind(t *testing.T) {
	t.Parallel()

	v, _ := auth.NewVerifier("secret-1")

	tok, _ := v.MintGlassesToken("alex@example.com", time.Hour)

	// A glasses token has no packageName claim and must not pass App checks.
	_, _, err := v.VerifyAppToken(tok)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
