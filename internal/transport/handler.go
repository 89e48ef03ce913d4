package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/internal/crypto/keys"
	"github.com/veilchat/veilchat/internal/router"
	"github.com/veilchat/veilchat/internal/wire"
)

// Handler upgrades HTTP requests to websocket sessions and binds them to
// principals. The connect handshake carries the principal id and optionally
// its public identity key as query parameters:
//
//	GET /ws?principal=alice&identityKey=<base64 X25519 public key>
type Handler struct {
	log      *zap.Logger
	router   *router.Router
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket entry point for the relay.
func NewHandler(log *zap.Logger, r *router.Router, readBuf, writeBuf int) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		log:    log,
		router: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			// The relay authenticates by principal registration, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		http.Error(w, "principal is required", http.StatusBadRequest)
		return
	}

	var identityKey []byte
	if encoded := r.URL.Query().Get("identityKey"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || keys.ValidatePublicKey(decoded) != nil {
			http.Error(w, "malformed identity key", http.StatusBadRequest)
			return
		}
		identityKey = decoded
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), ws)
	if err := h.router.Attach(conn, principal, identityKey); err != nil {
		h.log.Warn("attach rejected",
			zap.String("principal", principal),
			zap.Error(err))
		conn.Close()
		return
	}

	go conn.writePump()
	// The request context dies with ServeHTTP once the connection is
	// hijacked, so the pump runs on its own context.
	go h.readPump(context.Background(), conn, principal)
}

// readPump owns the read side of one connection. It exits on the first read
// error and detaches the principal so later sends fail fast.
func (h *Handler) readPump(ctx context.Context, conn *Conn, principal string) {
	defer func() {
		h.router.Detach(conn.ID())
		conn.Close()
	}()

	conn.ws.SetReadLimit(maxFrameSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame wire.Frame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("connection closed unexpectedly",
					zap.String("principal", principal),
					zap.Error(err))
			}
			return
		}
		if err := h.router.Handle(ctx, conn.ID(), frame); err != nil {
			h.log.Debug("frame rejected",
				zap.String("principal", principal),
				zap.String("chat_id", frame.ChatID),
				zap.Error(err))
		}
	}
}
