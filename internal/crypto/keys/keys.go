package keys

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// PublicKeySize is the length of X25519 public and private keys.
	PublicKeySize = 32
	// SymmetricKeySize is the length of per-chat session keys.
	SymmetricKeySize = chacha20poly1305.KeySize
)

var curve = ecdh.X25519()

// KeyPair holds an X25519 key pair and a deterministic identifier derived
// from the public key.
type KeyPair struct {
	Public  []byte
	Private []byte
	ID      string
}

// GenerateKeyPair produces a fresh X25519 key pair using the provided source
// of randomness. A nil reader falls back to crypto/rand.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub := priv.PublicKey()
	return KeyPair{
		Public:  append([]byte(nil), pub.Bytes()...),
		Private: append([]byte(nil), priv.Bytes()...),
		ID:      Fingerprint(pub.Bytes()),
	}, nil
}

// GenerateSymmetricKey returns a fresh random session key.
func GenerateSymmetricKey(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// ValidatePublicKey ensures the provided key parses as a point on the curve.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != PublicKeySize {
		return fmt.Errorf("public key must be %d bytes (got %d)", PublicKeySize, len(pub))
	}
	if _, err := curve.NewPublicKey(pub); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// Fingerprint returns a deterministic identifier for a public key.
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Encode renders key material for transport inside JSON frames.
func Encode(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses transported key material, enforcing an expected length
// when size is positive.
func DecodeKey(encoded string, size int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	if size > 0 && len(raw) != size {
		return nil, fmt.Errorf("key material must be %d bytes (got %d)", size, len(raw))
	}
	return raw, nil
}

// Zero overwrites key material in-place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
