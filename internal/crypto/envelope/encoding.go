package envelope

import (
	"encoding/base64"
	"fmt"
)

// EncodeFields renders an envelope into the content and iv fields of an
// ENCRYPTED_CHAT frame.
func EncodeFields(env Envelope) (content, iv string) {
	return base64.StdEncoding.EncodeToString(env.Ciphertext),
		base64.StdEncoding.EncodeToString(env.Nonce)
}

// DecodeFields parses the content and iv fields of an ENCRYPTED_CHAT frame
// back into an envelope.
func DecodeFields(content, iv string) (Envelope, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode nonce: %w", err)
	}
	return Envelope{Ciphertext: ciphertext, Nonce: nonce}, nil
}
