package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestSecureStringRoundTrip(t *testing.T) {
	a, _ := agree(t, 1024)
	keys := NewKeys()
	keys.SetExchange(a)
	ss := NewSecureString(keys)

	enc, err := ss.Encrypt("operator-token")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(enc, ":") {
		t.Fatalf("stored form %q has no separator", enc)
	}
	dec, err := ss.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "operator-token" {
		t.Fatalf("decrypted %q", dec)
	}
}

func TestSecureStringFallsBackToChapKey(t *testing.T) {
	keys := NewKeys()
	keys.SetChapKey("ABCDEF")
	ss := NewSecureString(keys)
	enc, err := ss.Encrypt("x")
	if err != nil {
		t.Fatal(err)
	}
	if dec, _ := ss.Decrypt(enc); dec != "x" {
		t.Fatalf("decrypted %q", dec)
	}
}

func TestSecureStringMissingSeparator(t *testing.T) {
	ss := NewSecureString(NewKeys())
	dec, err := ss.Decrypt("bm8tc2VwYXJhdG9y")
	if err != nil || dec != "" {
		t.Fatalf("got %q, %v; want empty", dec, err)
	}
}

func TestSecureStringWithoutKeys(t *testing.T) {
	ss := NewSecureString(NewKeys())
	if _, err := ss.Encrypt("x"); !errors.Is(err, ErrNoSharedKey) {
		t.Fatalf("err = %v", err)
	}
}
