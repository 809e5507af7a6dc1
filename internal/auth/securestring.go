package auth

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"

	"vmslink/internal/failure"
)

// ErrNoSharedKey is returned when neither a key exchange nor a CHAP key is available.
var ErrNoSharedKey = errors.New("auth: no shared key negotiated")

// Keys holds the secrets negotiated for one session: the Diffie-Hellman
// exchange and the CHAP shared key.
type Keys struct {
	mu       sync.RWMutex
	exchange *KeyExchange
	chapKey  string
}

func NewKeys() *Keys {
	return &Keys{}
}

func (k *Keys) SetExchange(kx *KeyExchange) {
	k.mu.Lock()
	k.exchange = kx
	k.mu.Unlock()
}

func (k *Keys) Exchange() *KeyExchange {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.exchange
}

// SetChapKey overrides the CHAP key. Without an override the CHAP key is the
// key exchange's shared key.
func (k *Keys) SetChapKey(key string) {
	k.mu.Lock()
	k.chapKey = key
	k.mu.Unlock()
}

// ChapKey returns the key CHAP answers are computed with, or "" if none.
func (k *Keys) ChapKey() string {
	k.mu.RLock()
	chapKey, kx := k.chapKey, k.exchange
	k.mu.RUnlock()
	if chapKey != "" {
		return chapKey
	}
	if kx == nil {
		return ""
	}
	s, err := kx.SharedKey()
	if err != nil {
		return ""
	}
	return s
}

// secret returns the material SecureString derives its key from: the DH
// shared secret when an exchange completed, otherwise the CHAP key.
func (k *Keys) secret() ([]byte, error) {
	k.mu.RLock()
	chapKey, kx := k.chapKey, k.exchange
	k.mu.RUnlock()
	if kx != nil {
		if s, err := kx.SharedSecret(); err == nil {
			return s, nil
		}
	}
	if chapKey != "" {
		return []byte(chapKey), nil
	}
	return nil, ErrNoSharedKey
}

// Clear forgets every negotiated secret.
func (k *Keys) Clear() {
	k.mu.Lock()
	k.exchange = nil
	k.chapKey = ""
	k.mu.Unlock()
}

// SecureString encrypts short strings (stored credentials, tokens) with a key
// derived from the session's shared secret. The stored form is
// base64(iv) ":" base64(ciphertext).
type SecureString struct {
	keys   *Keys
	random io.Reader
}

func NewSecureString(keys *Keys) *SecureString {
	return &SecureString{keys: keys, random: rand.Reader}
}

func (s *SecureString) key() ([]byte, error) {
	secret, err := s.keys.secret()
	if err != nil {
		return nil, failure.Crypto("secure string", err)
	}
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

func (s *SecureString) Encrypt(plain string) (string, error) {
	key, err := s.key()
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(s.random, iv); err != nil {
		return "", failure.Crypto("secure string", err)
	}
	ct, err := encryptCBC(key, iv, []byte(plain))
	if err != nil {
		return "", failure.Crypto("secure string", err)
	}
	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. A value without the ':' separator decrypts to "".
func (s *SecureString) Decrypt(stored string) (string, error) {
	ivPart, ctPart, ok := strings.Cut(stored, ":")
	if !ok {
		return "", nil
	}
	key, err := s.key()
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return "", failure.Errorf(failure.KindCrypto, "secure string", "bad iv")
	}
	ct, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return "", failure.Crypto("secure string", err)
	}
	pt, err := decryptCBC(key, iv, ct)
	if err != nil {
		return "", failure.Crypto("secure string", err)
	}
	return string(pt), nil
}
