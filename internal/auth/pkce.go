package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
)

// pkceVerifierBytes is the amount of randomness in a PKCE code verifier.
const pkceVerifierBytes = 28

// PKCE holds a code verifier and its S256 challenge for an OAuth-style
// third-party login redirect.
type PKCE struct {
	Verifier  string `json:"codeVerifier"`
	Challenge string `json:"codeChallenge"`
	Method    string `json:"codeChallengeMethod"`
}

func NewPKCE() (PKCE, error) {
	return newPKCE(rand.Reader)
}

func newPKCE(random io.Reader) (PKCE, error) {
	b := make([]byte, pkceVerifierBytes)
	if _, err := io.ReadFull(random, b); err != nil {
		return PKCE{}, err
	}
	verifier := hex.EncodeToString(b)
	return PKCE{
		Verifier:  verifier,
		Challenge: PKCEChallenge(verifier),
		Method:    "S256",
	}, nil
}

// PKCEChallenge is base64url(sha256(verifier)) without padding.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
