// Package keystore persists established chat session keys in a sealed file
// so a restarted node can resume decrypting without redoing every handshake.
// The file is encrypted with a master key derived from a passphrase via
// Argon2id and sealed with XChaCha20-Poly1305.
package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/veilchat/veilchat/internal/session"
)

var (
	ErrLocked         = errors.New("keystore is locked")
	ErrAlreadyExists  = errors.New("keystore already exists")
	ErrNotInitialized = errors.New("keystore not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted keystore")
	ErrNotFound       = errors.New("chat key not found")
)

// ChatKeyRecord is one chat's durable key material and handshake state.
type ChatKeyRecord struct {
	ChatID       string           `json:"chat_id"`
	Key          []byte           `json:"key"`
	State        session.KeyState `json:"state"`
	Participants []string         `json:"participants,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at,omitempty"`
}

// Clone returns a deep copy so internal buffers are never shared out.
func (r ChatKeyRecord) Clone() ChatKeyRecord {
	out := r
	out.Key = append([]byte(nil), r.Key...)
	out.Participants = append([]string(nil), r.Participants...)
	return out
}

// Zero overwrites the key material in-place.
func (r *ChatKeyRecord) Zero() {
	for i := range r.Key {
		r.Key[i] = 0
	}
}

// Backend is the keystore contract consumed by the relay host. It includes
// session.Persister so the key-exchange protocol can write through it.
type Backend interface {
	session.Persister
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error
	LoadChatKey(ctx context.Context, chatID string) (ChatKeyRecord, error)
	ListChatKeys(ctx context.Context) ([]ChatKeyRecord, error)
}
