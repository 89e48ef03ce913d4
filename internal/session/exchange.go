package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veilchat/veilchat/internal/crypto/envelope"
	"github.com/veilchat/veilchat/internal/crypto/keys"
)

// Persister is the durable sink for established chat keys. The sealed file
// keystore implements it; tests use a nil persister.
type Persister interface {
	SaveChatKey(ctx context.Context, chatID string, key []byte, state KeyState, participants []string) error
	DeleteChatKey(ctx context.Context, chatID string) error
}

// Exchange bootstraps a symmetric session key over the asymmetric channel:
// generate key, wrap with the peer's public key, transmit, peer unwraps and
// stores. There is no acknowledgment frame; the initiator stays in KEY_SENT
// until an inbound ciphertext for the chat decrypts cleanly, which Confirm
// treats as the implicit ack. The initiator therefore cannot distinguish
// "peer never got the key" from "peer has not replied yet" - a known weak
// point, preserved deliberately.
type Exchange struct {
	store    *Store
	identity keys.KeyPair
	persist  Persister
	log      *zap.Logger
}

// NewExchange wires the handshake around a session store and the local
// identity key pair. persist may be nil.
func NewExchange(store *Store, identity keys.KeyPair, persist Persister, log *zap.Logger) *Exchange {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchange{
		store:    store,
		identity: identity,
		persist:  persist,
		log:      log,
	}
}

// Initiate generates a fresh symmetric key for the chat, records it locally
// as KEY_SENT, and returns the key wrapped with the peer's public key for
// transmission.
func (e *Exchange) Initiate(ctx context.Context, chatID string, peerPublic []byte) ([]byte, error) {
	key, err := keys.GenerateSymmetricKey(nil)
	if err != nil {
		return nil, fmt.Errorf("initiate key exchange: %w", err)
	}
	blob, err := envelope.WrapKey(key, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("initiate key exchange: %w", err)
	}

	e.store.EnsureChat(chatID)
	e.store.Put(chatID, key, KeyStateSent)
	e.persistState(ctx, chatID, key, KeyStateSent)

	e.log.Debug("key exchange initiated",
		zap.String("chat_id", chatID),
		zap.String("peer_key_id", keys.Fingerprint(peerPublic)))
	return blob, nil
}

// Receive unwraps an inbound key blob with the local private key and
// installs the key as ESTABLISHED. An unwrap failure leaves the chat
// keyless; the caller falls back to unencrypted delivery or retries. The
// chat record is created implicitly when unknown.
func (e *Exchange) Receive(ctx context.Context, chatID string, blob []byte) error {
	e.store.EnsureChat(chatID)

	key, err := envelope.UnwrapKey(blob, e.identity.Private)
	if err != nil {
		e.log.Warn("key unwrap failed", zap.String("chat_id", chatID), zap.Error(err))
		return err
	}
	e.store.Put(chatID, key, KeyStateEstablished)
	e.persistState(ctx, chatID, key, KeyStateEstablished)

	e.log.Debug("session key established", zap.String("chat_id", chatID))
	return nil
}

// Confirm promotes a KEY_SENT chat to ESTABLISHED after a payload decrypted
// successfully with the pending key (the implicit ack). Returns true when a
// promotion happened.
func (e *Exchange) Confirm(ctx context.Context, chatID string) bool {
	if e.store.State(chatID) != KeyStateSent {
		return false
	}
	if !e.store.Advance(chatID, KeyStateEstablished) {
		return false
	}
	if key, ok := e.store.Get(chatID); ok {
		e.persistState(ctx, chatID, key, KeyStateEstablished)
	}
	e.log.Debug("session key confirmed by decrypt", zap.String("chat_id", chatID))
	return true
}

// Identity exposes the local key pair's public half for the connect
// handshake.
func (e *Exchange) Identity() keys.KeyPair {
	return e.identity
}

func (e *Exchange) persistState(ctx context.Context, chatID string, key []byte, state KeyState) {
	if e.persist == nil {
		return
	}
	participants := e.store.Participants(chatID)
	if err := e.persist.SaveChatKey(ctx, chatID, key, state, participants); err != nil {
		e.log.Warn("persist chat key", zap.String("chat_id", chatID), zap.Error(err))
	}
}
