package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the frame variants carried over the transport.
type MessageType string

const (
	MessageTypeText        MessageType = "TEXT"
	MessageTypeKeyExchange MessageType = "KEY_EXCHANGE"
	MessageTypeEncrypted   MessageType = "ENCRYPTED_CHAT"
	MessageTypeFile        MessageType = "FILE"
)

// Frame is the transport-agnostic JSON envelope exchanged between peers.
// KEY_EXCHANGE frames carry the wrapped symmetric key in Content;
// ENCRYPTED_CHAT frames carry the AEAD ciphertext in Content and the nonce
// in IV, both base64-encoded.
type Frame struct {
	MessageID    string      `json:"messageId"`
	MessageType  MessageType `json:"messageType"`
	SenderID     string      `json:"senderId"`
	ChatID       string      `json:"chatId"`
	Content      string      `json:"content"`
	Timestamp    time.Time   `json:"timestamp"`
	ClientTempID string      `json:"clientTempId"`
	EncryptedKey string      `json:"encryptedKey,omitempty"`
	IV           string      `json:"iv,omitempty"`
}

var (
	ErrMissingChatID = errors.New("frame chat id is required")
	ErrMissingSender = errors.New("frame sender id is required")
	ErrBadFrameType  = errors.New("unsupported frame type")
)

// Validate checks the fields every routable frame must carry.
func (f Frame) Validate() error {
	if f.ChatID == "" {
		return ErrMissingChatID
	}
	if f.SenderID == "" {
		return ErrMissingSender
	}
	switch f.MessageType {
	case MessageTypeText, MessageTypeKeyExchange, MessageTypeEncrypted, MessageTypeFile:
		return nil
	default:
		return ErrBadFrameType
	}
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame from its wire encoding.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// NewFrame stamps a fresh server-assigned message id and timestamp.
func NewFrame(t MessageType, senderID, chatID, content string) Frame {
	return Frame{
		MessageID:    uuid.NewString(),
		MessageType:  t,
		SenderID:     senderID,
		ChatID:       chatID,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		ClientTempID: uuid.NewString(),
	}
}
