package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"vmslink/internal/failure"
)

// ExponentBits is the size of the client's secret exponent.
const ExponentBits = 160

// Well-known MODP groups, generator 2.
const (
	// RFC 2409, second Oakley group.
	prime1024Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
		"FFFFFFFFFFFFFFFF"
	// RFC 3526, group 14.
	prime2048Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF"
)

var primes = map[int]*big.Int{
	1024: mustPrime(prime1024Hex),
	2048: mustPrime(prime2048Hex),
}

var generator = big.NewInt(2)

func mustPrime(h string) *big.Int {
	p, ok := new(big.Int).SetString(h, 16)
	if !ok {
		panic("auth: bad prime constant")
	}
	return p
}

var (
	ErrUnsupportedPrime = errors.New("auth: unsupported prime size")
	ErrNoServerKey      = errors.New("auth: server public key not set")
	ErrBadServerKey     = errors.New("auth: server public key out of range")
)

// KeyExchange is the client half of a Diffie-Hellman negotiation.
type KeyExchange struct {
	bits   int
	prime  *big.Int
	secret *big.Int
	public *big.Int

	mu           sync.Mutex
	serverPublic *big.Int
	shared       []byte
}

// NewKeyExchange picks a random exponent and computes the public value over
// the prime of the given size (1024 or 2048).
func NewKeyExchange(bits int) (*KeyExchange, error) {
	return newKeyExchange(bits, rand.Reader)
}

func newKeyExchange(bits int, random io.Reader) (*KeyExchange, error) {
	p, ok := primes[bits]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPrime, bits)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), ExponentBits)
	x, err := rand.Int(random, limit)
	if err != nil {
		return nil, failure.Crypto("key exchange", err)
	}
	if x.Sign() == 0 {
		x.SetInt64(1)
	}
	return &KeyExchange{
		bits:   bits,
		prime:  p,
		secret: x,
		public: new(big.Int).Exp(generator, x, p),
	}, nil
}

func (k *KeyExchange) PrimeBits() int { return k.bits }

// PublicKey returns the client public value, base64 of its big-endian bytes.
func (k *KeyExchange) PublicKey() string {
	return base64.StdEncoding.EncodeToString(k.public.Bytes())
}

// SetServerPublicKey records the server's public value (base64). Once a
// shared secret has been derived it is kept; a new server key is ignored.
func (k *KeyExchange) SetServerPublicKey(encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return failure.Crypto("server public key", err)
	}
	y := new(big.Int).SetBytes(raw)
	pMinus1 := new(big.Int).Sub(k.prime, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinus1) >= 0 {
		return failure.Crypto("server public key", ErrBadServerKey)
	}
	k.mu.Lock()
	if k.shared == nil {
		k.serverPublic = y
	}
	k.mu.Unlock()
	return nil
}

// SharedSecret returns serverPublic^secret mod prime, left-padded to the
// prime's byte length. It is derived once and cached.
func (k *KeyExchange) SharedSecret() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.shared != nil {
		return k.shared, nil
	}
	if k.serverPublic == nil {
		return nil, failure.Crypto("shared secret", ErrNoServerKey)
	}
	z := new(big.Int).Exp(k.serverPublic, k.secret, k.prime)
	k.shared = z.FillBytes(make([]byte, k.bits/8))
	return k.shared, nil
}

// SharedKey returns the shared secret as upper-case hex, the form used as the
// CHAP key.
func (k *KeyExchange) SharedKey() (string, error) {
	s, err := k.SharedSecret()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(s)), nil
}

// SessionKeys splits the shared secret into the AES IV (bytes 0-15) and the
// AES-256 key (bytes 16-47) used to protect credentials at login.
func (k *KeyExchange) SessionKeys() (iv, key []byte, err error) {
	s, err := k.SharedSecret()
	if err != nil {
		return nil, nil, err
	}
	return s[:16], s[16:48], nil
}

// EncryptCredential encrypts a login credential with the session keys and
// returns it base64 encoded.
func (k *KeyExchange) EncryptCredential(plain string) (string, error) {
	iv, key, err := k.SessionKeys()
	if err != nil {
		return "", err
	}
	ct, err := encryptCBC(key, iv, []byte(plain))
	if err != nil {
		return "", failure.Crypto("encrypt credential", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptCredential is the inverse of EncryptCredential.
func (k *KeyExchange) DecryptCredential(encoded string) (string, error) {
	iv, key, err := k.SessionKeys()
	if err != nil {
		return "", err
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", failure.Crypto("decrypt credential", err)
	}
	pt, err := decryptCBC(key, iv, ct)
	if err != nil {
		return "", failure.Crypto("decrypt credential", err)
	}
	return string(pt), nil
}
