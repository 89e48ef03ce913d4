package keys

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestGenerateKeyPairDeterministic(t *testing.T) {
	reader := bytes.NewReader(bytes.Repeat([]byte{0x11}, 64))
	kp, err := GenerateKeyPair(reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if hex.EncodeToString(kp.Private) != "1111111111111111111111111111111111111111111111111111111111111111" {
		t.Fatalf("unexpected private key: %x", kp.Private)
	}
	if len(kp.Public) != PublicKeySize {
		t.Fatalf("expected %d-byte public key, got %d", PublicKeySize, len(kp.Public))
	}
	if kp.ID != Fingerprint(kp.Public) {
		t.Fatalf("key id %s does not match fingerprint", kp.ID)
	}
}

func TestGenerateSymmetricKey(t *testing.T) {
	key, err := GenerateSymmetricKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if len(key) != SymmetricKeySize {
		t.Fatalf("expected %d-byte key, got %d", SymmetricKeySize, len(key))
	}
	other, err := GenerateSymmetricKey(nil)
	if err != nil {
		t.Fatalf("generate second key: %v", err)
	}
	if bytes.Equal(key, other) {
		t.Fatal("two generated keys should not collide")
	}
}

func TestValidatePublicKeyRejectsInvalid(t *testing.T) {
	if err := ValidatePublicKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
	kp, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := ValidatePublicKey(kp.Public); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	decoded, err := DecodeKey(Encode(key), SymmetricKeySize)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Fatalf("round trip mismatch: %x vs %x", decoded, key)
	}
	if _, err := DecodeKey("not-base64!!", 0); err == nil {
		t.Fatal("expected error for invalid encoding")
	}
	if _, err := DecodeKey(Encode(key), 16); err == nil {
		t.Fatal("expected error for wrong length")
	}
}

func TestZero(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	Zero(buf)
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Fatalf("expected zeroized buffer, got %x", buf)
	}
}
