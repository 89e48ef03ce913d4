// Package router is the per-frame orchestrator: it resolves the sending
// principal, suppresses duplicates, consumes key-exchange payloads, decrypts
// what it can, emits domain messages to the application, and forwards opaque
// envelopes toward their recipients. Errors are scoped to the single frame
// or chat in question; the router keeps processing subsequent frames.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/internal/crypto/envelope"
	"github.com/veilchat/veilchat/internal/dedup"
	"github.com/veilchat/veilchat/internal/registry"
	"github.com/veilchat/veilchat/internal/session"
	"github.com/veilchat/veilchat/internal/store"
	"github.com/veilchat/veilchat/internal/wire"
)

var (
	// ErrUnknownPrincipal reports a frame from or to a connection with no
	// registered principal. The frame is dropped; there is no retry.
	ErrUnknownPrincipal = errors.New("unknown principal")
	// ErrRecipientOffline reports that no live connection exists for the
	// target principal. A soft failure: the message is not silently lost
	// when the external store persists it independently.
	ErrRecipientOffline = errors.New("recipient offline")
)

// Conn is one live transport session, valid for the lifetime of a single
// network connection. The websocket layer implements it.
type Conn interface {
	ID() string
	Send(frame wire.Frame) error
	Close()
}

// Delivery receives decrypted (or deliberately degraded) domain messages.
type Delivery func(rec wire.MessageRecord)

// Options configures collaborators beyond the required core.
type Options struct {
	// Exchange enables the endpoint role: consuming key-exchange frames and
	// decrypting payloads. A nil Exchange makes this a pure relay that only
	// dedups and forwards opaque envelopes.
	Exchange *session.Exchange
	// Store is the external persistence boundary, used as a fallback for
	// resolving chat participants.
	Store    store.Store
	Delivery Delivery
	Metrics  *Metrics
}

// Router wires the shared registries behind a single handle function.
type Router struct {
	log      *zap.Logger
	registry registry.PrincipalRegistry
	sessions *session.Store
	dedup    *dedup.Deduplicator
	exchange *session.Exchange
	store    store.Store
	deliver  Delivery
	metrics  *Metrics

	mu    sync.Mutex
	conns map[string]Conn
}

// New assembles a router around the shared concurrent-safe collaborators.
func New(log *zap.Logger, reg registry.PrincipalRegistry, sessions *session.Store, d *dedup.Deduplicator, opts Options) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		log:      log,
		registry: reg,
		sessions: sessions,
		dedup:    d,
		exchange: opts.Exchange,
		store:    opts.Store,
		deliver:  opts.Delivery,
		metrics:  opts.Metrics,
		conns:    make(map[string]Conn),
	}
}

// Attach binds a connection to its principal. Reconnects overwrite the
// stale binding so subsequent sends reach the new connection.
func (r *Router) Attach(conn Conn, principal string, identityKey []byte) error {
	if err := r.registry.Register(registry.Binding{
		ConnectionID: conn.ID(),
		Principal:    principal,
		IdentityKey:  identityKey,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	r.metrics.incConnection()
	r.log.Info("principal attached",
		zap.String("connection_id", conn.ID()),
		zap.String("principal", principal))
	return nil
}

// Detach tears down a connection so later sends to its principal fail fast
// instead of discarding into a dead connection. Idempotent.
func (r *Router) Detach(connID string) {
	principal, had := r.registry.Unregister(connID)

	r.mu.Lock()
	_, hadConn := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if !had && !hadConn {
		return
	}
	r.metrics.decConnection()
	r.log.Info("principal detached",
		zap.String("connection_id", connID),
		zap.String("principal", principal))
}

// Handle runs the inbound state machine for one frame.
func (r *Router) Handle(ctx context.Context, connID string, frame wire.Frame) error {
	start := time.Now()
	op := frameOp(frame)

	err := r.handle(ctx, connID, frame)
	r.metrics.observeFrame(op, time.Since(start), err)
	return err
}

func (r *Router) handle(ctx context.Context, connID string, frame wire.Frame) error {
	sender, ok := r.registry.PrincipalFor(connID)
	if !ok {
		r.log.Warn("frame from unresolved connection dropped",
			zap.String("connection_id", connID),
			zap.String("chat_id", frame.ChatID))
		return ErrUnknownPrincipal
	}
	// The registry, not the frame, is authoritative for the sender.
	frame.SenderID = sender

	if err := frame.Validate(); err != nil {
		r.log.Warn("invalid frame dropped", zap.String("sender", sender), zap.Error(err))
		return err
	}

	sig := dedup.Signature(frame.SenderID, frame.ChatID, frame.Content, frame.ClientTempID, frame.Timestamp)
	if !r.dedup.ShouldProcess(sig) {
		r.metrics.recordDuplicate()
		r.log.Debug("duplicate frame suppressed",
			zap.String("chat_id", frame.ChatID),
			zap.String("client_temp_id", frame.ClientTempID))
		return nil
	}

	r.sessions.EnsureChat(frame.ChatID, sender)

	// Forwarding is unconditional: a node with local key material is still
	// the relay for every other attached principal, so consuming a frame
	// locally must never starve its recipients.
	if frame.MessageType == wire.MessageTypeKeyExchange {
		if r.exchange != nil {
			r.consumeKeyExchange(ctx, frame)
		}
		r.forward(ctx, frame)
		return nil
	}

	if r.exchange != nil {
		r.emit(r.decryptForDelivery(ctx, frame))
	} else {
		// Relay role: the envelope stays opaque and is emitted as-is for
		// persistence.
		r.emit(wire.RecordFromFrame(frame))
	}
	r.forward(ctx, frame)
	return nil
}

// consumeKeyExchange tries to unwrap an inbound key blob with the local
// identity. An unwrap failure is expected when the blob is addressed to
// another principal in the chat; the blob is forwarded either way and the
// peer may retry a failed handshake.
func (r *Router) consumeKeyExchange(ctx context.Context, frame wire.Frame) {
	blob, err := decodeBlob(frame.Content)
	if err == nil {
		err = r.exchange.Receive(ctx, frame.ChatID, blob)
	}
	if err != nil {
		r.metrics.recordHandshake("unwrap_failed")
		r.log.Debug("key blob not unwrappable locally",
			zap.String("chat_id", frame.ChatID),
			zap.String("sender", frame.SenderID),
			zap.Error(err))
		return
	}
	r.metrics.recordHandshake("established")
}

// decryptForDelivery turns an inbound frame into the record handed to the
// application. Auth failures and missing keys degrade the record instead of
// failing the frame.
func (r *Router) decryptForDelivery(ctx context.Context, frame wire.Frame) wire.MessageRecord {
	rec := wire.RecordFromFrame(frame)
	if frame.MessageType != wire.MessageTypeEncrypted {
		// Plaintext fallback: a deliberate degraded mode, not a violation.
		return rec
	}

	key, ok := r.sessions.Get(frame.ChatID)
	if !ok {
		r.metrics.recordDecrypt("no_key")
		rec.Undecryptable = true
		return rec
	}

	env, err := envelope.DecodeFields(frame.Content, frame.IV)
	if err == nil {
		var plaintext []byte
		plaintext, err = envelope.Decrypt(env, key)
		if err == nil {
			rec.Content = string(plaintext)
			r.metrics.recordDecrypt("ok")
			// A clean decrypt doubles as the handshake ack for a key this
			// side initiated.
			r.exchange.Confirm(ctx, frame.ChatID)
			return rec
		}
	}

	r.metrics.recordDecrypt("auth_failed")
	r.log.Warn("undecryptable envelope",
		zap.String("chat_id", frame.ChatID),
		zap.String("sender", frame.SenderID),
		zap.Error(err))
	rec.Undecryptable = true
	return rec
}

// Send runs the outbound path for a locally created message: encrypt when a
// session key exists, otherwise opportunistically start a handshake with any
// previously learned peer key and send the plaintext in parallel. Sending is
// never blocked on key availability.
func (r *Router) Send(ctx context.Context, rec wire.MessageRecord) (wire.Frame, error) {
	if rec.ClientTempID == "" {
		rec.ClientTempID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	recipients := r.recipients(ctx, rec.ChatID, rec.SenderID)

	frame := wire.Frame{
		MessageID:    uuid.NewString(),
		MessageType:  wire.MessageTypeText,
		SenderID:     rec.SenderID,
		ChatID:       rec.ChatID,
		Content:      rec.Content,
		Timestamp:    rec.Timestamp,
		ClientTempID: rec.ClientTempID,
	}

	if key, ok := r.sessions.Get(rec.ChatID); ok {
		env, err := envelope.Encrypt([]byte(rec.Content), key)
		if err != nil {
			return wire.Frame{}, err
		}
		frame.MessageType = wire.MessageTypeEncrypted
		frame.Content, frame.IV = envelope.EncodeFields(env)
	} else if r.exchange != nil {
		r.initiateHandshakes(ctx, rec.ChatID, rec.SenderID, recipients)
	}

	var offline error
	delivered := 0
	for _, peer := range recipients {
		if err := r.sendToPrincipal(peer, frame); err != nil {
			offline = err
			continue
		}
		delivered++
	}
	if delivered == 0 && offline != nil {
		return frame, offline
	}
	return frame, nil
}

// initiateHandshakes wraps a fresh chat key for every recipient whose
// identity key was learned at connect time. Failures leave the chat keyless
// and the message goes out unencrypted regardless.
func (r *Router) initiateHandshakes(ctx context.Context, chatID, sender string, recipients []string) {
	if r.sessions.State(chatID) != session.KeyStateNone {
		return
	}
	for _, peer := range recipients {
		peerKey, ok := r.registry.IdentityKeyFor(peer)
		if !ok {
			continue
		}
		blob, err := r.exchange.Initiate(ctx, chatID, peerKey)
		if err != nil {
			r.metrics.recordHandshake("initiate_failed")
			r.log.Warn("opportunistic key exchange failed",
				zap.String("chat_id", chatID),
				zap.String("peer", peer),
				zap.Error(err))
			continue
		}
		r.metrics.recordHandshake("initiated")
		keyFrame := wire.NewFrame(wire.MessageTypeKeyExchange, sender, chatID, encodeBlob(blob))
		if err := r.sendToPrincipal(peer, keyFrame); err != nil {
			r.log.Warn("key exchange frame undeliverable",
				zap.String("chat_id", chatID),
				zap.String("peer", peer),
				zap.Error(err))
		}
	}
}

// forward fans an opaque inbound frame out to the chat's other participants.
// Offline recipients are counted, not fatal: durability is the external
// store's job.
func (r *Router) forward(ctx context.Context, frame wire.Frame) {
	for _, peer := range r.recipients(ctx, frame.ChatID, frame.SenderID) {
		if err := r.sendToPrincipal(peer, frame); err != nil {
			r.metrics.recordOffline()
			r.log.Debug("recipient offline",
				zap.String("chat_id", frame.ChatID),
				zap.String("peer", peer))
		}
	}
}

// recipients resolves the chat's participant set minus the sender, falling
// back to the persistent store when the local session record is bare.
func (r *Router) recipients(ctx context.Context, chatID, sender string) []string {
	participants := r.sessions.Participants(chatID)
	if len(participants) < 2 && r.store != nil {
		if chat, err := r.store.GetChat(ctx, chatID); err == nil {
			r.sessions.EnsureChat(chatID, chat.Participants...)
			participants = chat.Participants
		}
	}
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != sender {
			out = append(out, p)
		}
	}
	return out
}

// sendToPrincipal pushes a frame down the recipient's registered live
// connection, failing fast when there is none.
func (r *Router) sendToPrincipal(principal string, frame wire.Frame) error {
	connID, ok := r.registry.ConnectionFor(principal)
	if !ok {
		return ErrRecipientOffline
	}
	r.mu.Lock()
	conn, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return ErrRecipientOffline
	}
	return conn.Send(frame)
}

// OpenChat resolves (or creates) the authoritative chat for a participant
// pair and primes the local session record with its participant set.
func (r *Router) OpenChat(ctx context.Context, ownerID, targetID string) (store.ChatRecord, error) {
	if r.store == nil {
		chat := store.ChatRecord{
			ChatID:       uuid.NewString(),
			Participants: []string{ownerID, targetID},
			Type:         "direct",
			CreatedAt:    time.Now().UTC(),
		}
		r.sessions.EnsureChat(chat.ChatID, ownerID, targetID)
		return chat, nil
	}
	chat, err := r.store.FindOrCreateChat(ctx, ownerID, targetID)
	if err != nil {
		return store.ChatRecord{}, err
	}
	r.sessions.EnsureChat(chat.ChatID, chat.Participants...)
	return chat, nil
}

func (r *Router) emit(rec wire.MessageRecord) {
	if r.deliver == nil {
		return
	}
	r.deliver(rec)
}

func frameOp(frame wire.Frame) string {
	switch frame.MessageType {
	case wire.MessageTypeText:
		return "text"
	case wire.MessageTypeKeyExchange:
		return "key_exchange"
	case wire.MessageTypeEncrypted:
		return "encrypted_chat"
	case wire.MessageTypeFile:
		return "file"
	default:
		return "unknown"
	}
}
