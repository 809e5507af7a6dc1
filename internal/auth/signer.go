package auth

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"time"
)

// HashAlgorithm selects the digest CHAP answers are computed with.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA512 HashAlgorithm = "sha512"
)

func (h HashAlgorithm) new() (hash.Hash, error) {
	switch h {
	case HashSHA256:
		return sha256.New(), nil
	case HashSHA512, "":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("auth: unknown challenge hash %q", string(h))
	}
}

// ChapParams are the authentication parameters attached to a command.
type ChapParams struct {
	Challenge  string
	ChalAnswer string
	// Timeout is the remaining lifetime of Challenge.
	Timeout time.Duration
}

func (p ChapParams) Empty() bool {
	return p.Challenge == ""
}

// Signer answers challenges from a pool with the session's CHAP key.
type Signer struct {
	pool *ChallengePool
	keys *Keys
	hash HashAlgorithm
}

func NewSigner(pool *ChallengePool, keys *Keys, h HashAlgorithm) (*Signer, error) {
	if _, err := h.new(); err != nil {
		return nil, err
	}
	return &Signer{pool: pool, keys: keys, hash: h}, nil
}

// Calculate takes the next valid challenge and answers it. The answer is the
// upper-case hex digest of upper(challenge) + upper(key). All fields are
// empty when the pool has no valid challenge.
func (s *Signer) Calculate() ChapParams {
	c, ok := s.pool.TakeValidChallenge()
	if !ok {
		return ChapParams{}
	}
	return ChapParams{
		Challenge:  c.Value,
		ChalAnswer: Answer(s.hash, c.Value, s.keys.ChapKey()),
		Timeout:    c.Remaining(s.pool.clock()),
	}
}

// Answer computes the CHAP answer for one challenge.
func Answer(alg HashAlgorithm, challenge, key string) string {
	h, err := alg.new()
	if err != nil {
		h = sha512.New()
	}
	h.Write([]byte(strings.ToUpper(challenge) + strings.ToUpper(key)))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
