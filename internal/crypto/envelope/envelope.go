// Package envelope implements the authenticated encryption applied to chat
// message bodies and the asymmetric wrapping used to move session keys
// between peers.
package envelope

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/veilchat/veilchat/internal/crypto/keys"
)

var (
	// ErrAuthFailed reports an AEAD tag mismatch: wrong key or corrupted
	// transit. Not retryable with the same key.
	ErrAuthFailed = errors.New("envelope authentication failed")
	// ErrUnwrapFailed reports that a wrapped key blob could not be opened
	// with the local private key. The chat stays keyless; the handshake can
	// be retried.
	ErrUnwrapFailed = errors.New("key unwrap failed")
	// ErrNoKey distinguishes a missing session key from a failed decrypt.
	ErrNoKey = errors.New("no session key for chat")
)

var wrapInfo = []byte("veilchat/v1 session-key wrap")

// Envelope is an immutable ciphertext+nonce unit. The authentication tag is
// bound to the ciphertext by the AEAD. Each decryption produces a fresh
// plaintext value.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
}

// Encrypt seals plaintext under the chat session key with a freshly random
// nonce. Nonce reuse under the same key is a critical fail condition, so the
// nonce always comes from crypto/rand.
func Encrypt(plaintext, key []byte) (Envelope, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Envelope{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens an envelope with the chat session key. A tag mismatch
// surfaces as ErrAuthFailed.
func Decrypt(env Envelope, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes (got %d): %w", aead.NonceSize(), len(env.Nonce), ErrAuthFailed)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// WrapKey seals a symmetric session key to the peer's X25519 public key.
// The blob layout is ephemeralPublic || nonce || ciphertext.
func WrapKey(symmetricKey, peerPublic []byte) ([]byte, error) {
	if err := keys.ValidatePublicKey(peerPublic); err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}

	curve := ecdh.X25519()
	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	peer, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	shared, err := eph.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	defer keys.Zero(shared)

	aead, nonce, err := wrapCipher(shared)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}

	blob := make([]byte, 0, keys.PublicKeySize+len(nonce)+len(symmetricKey)+aead.Overhead())
	blob = append(blob, eph.PublicKey().Bytes()...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, symmetricKey, nil)
	return blob, nil
}

// UnwrapKey opens a wrapped session key with the local private key. All
// parse and decrypt failures collapse into ErrUnwrapFailed so callers treat
// a malformed blob and a mismatched key identically.
func UnwrapKey(blob, localPrivate []byte) ([]byte, error) {
	if len(blob) < keys.PublicKeySize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("blob too short (%d bytes): %w", len(blob), ErrUnwrapFailed)
	}

	curve := ecdh.X25519()
	priv, err := curve.NewPrivateKey(localPrivate)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ephPub, err := curve.NewPublicKey(blob[:keys.PublicKeySize])
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral key: %w", ErrUnwrapFailed)
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", ErrUnwrapFailed)
	}
	defer keys.Zero(shared)

	aead, _, err := wrapCipher(shared)
	if err != nil {
		return nil, err
	}
	rest := blob[keys.PublicKeySize:]
	nonce, ciphertext := rest[:chacha20poly1305.NonceSizeX], rest[chacha20poly1305.NonceSizeX:]
	symmetricKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return symmetricKey, nil
}

// wrapCipher expands the ECDH shared secret into an XChaCha20-Poly1305
// wrapping key and returns the cipher plus a nonce-sized scratch buffer.
func wrapCipher(shared []byte) (cipher.AEAD, []byte, error) {
	wrapKey := make([]byte, keys.SymmetricKeySize)
	defer keys.Zero(wrapKey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, wrapInfo), wrapKey); err != nil {
		return nil, nil, fmt.Errorf("derive wrap key: %w", err)
	}
	c, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init wrap cipher: %w", err)
	}
	return c, make([]byte, chacha20poly1305.NonceSizeX), nil
}
