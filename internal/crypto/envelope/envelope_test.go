package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/veilchat/veilchat/internal/crypto/keys"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := mustSymmetricKey(t)
	plaintext := []byte("the quick brown fox")

	env, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(env.Ciphertext, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := Decrypt(env, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q vs %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFailsAuth(t *testing.T) {
	key1 := mustSymmetricKey(t)
	key2 := mustSymmetricKey(t)

	env, err := Encrypt([]byte("secret"), key1)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(env, key2); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptMissingKey(t *testing.T) {
	if _, err := Decrypt(Envelope{}, nil); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	key := mustSymmetricKey(t)
	env, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.Ciphertext[0] ^= 0xff
	if _, err := Decrypt(env, key); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for tampered ciphertext, got %v", err)
	}
}

func TestNonceFreshness(t *testing.T) {
	key := mustSymmetricKey(t)
	a, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatal("nonce reused across encryptions")
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	recipient, err := keys.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate recipient keypair: %v", err)
	}
	session := mustSymmetricKey(t)

	blob, err := WrapKey(session, recipient.Public)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := UnwrapKey(blob, recipient.Private)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, session) {
		t.Fatalf("unwrapped key mismatch: %x vs %x", got, session)
	}
}

func TestUnwrapWithWrongKeyFails(t *testing.T) {
	recipient, err := keys.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate recipient keypair: %v", err)
	}
	interloper, err := keys.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate interloper keypair: %v", err)
	}

	blob, err := WrapKey(mustSymmetricKey(t), recipient.Public)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapKey(blob, interloper.Private); !errors.Is(err, ErrUnwrapFailed) {
		t.Fatalf("expected ErrUnwrapFailed, got %v", err)
	}
}

func TestUnwrapMalformedBlob(t *testing.T) {
	recipient, err := keys.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if _, err := UnwrapKey([]byte("short"), recipient.Private); !errors.Is(err, ErrUnwrapFailed) {
		t.Fatalf("expected ErrUnwrapFailed for short blob, got %v", err)
	}
}

func TestEncodeDecodeFields(t *testing.T) {
	key := mustSymmetricKey(t)
	env, err := Encrypt([]byte("over the wire"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	content, iv := EncodeFields(env)
	decoded, err := DecodeFields(content, iv)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	plaintext, err := Decrypt(decoded, key)
	if err != nil {
		t.Fatalf("decrypt decoded envelope: %v", err)
	}
	if string(plaintext) != "over the wire" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}

	if _, err := DecodeFields("%%%", iv); err == nil {
		t.Fatal("expected error for invalid content encoding")
	}
}

func mustSymmetricKey(t *testing.T) []byte {
	t.Helper()
	key, err := keys.GenerateSymmetricKey(nil)
	if err != nil {
		t.Fatalf("generate symmetric key: %v", err)
	}
	return key
}
