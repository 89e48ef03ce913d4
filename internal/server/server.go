// Package server assembles the relay: websocket transport, frame router,
// persistent message store, optional sealed keystore, and the admin surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/internal/config"
	"github.com/veilchat/veilchat/internal/crypto/keys"
	"github.com/veilchat/veilchat/internal/dedup"
	"github.com/veilchat/veilchat/internal/keystore"
	"github.com/veilchat/veilchat/internal/registry"
	"github.com/veilchat/veilchat/internal/router"
	"github.com/veilchat/veilchat/internal/session"
	"github.com/veilchat/veilchat/internal/store"
	"github.com/veilchat/veilchat/internal/transport"
	"github.com/veilchat/veilchat/internal/wire"
)

// RelayServer wires dependencies and hosts the websocket and admin listeners.
type RelayServer struct {
	cfg      config.Config
	log      *zap.Logger
	registry registry.PrincipalRegistry
	sessions *session.Store
	store    store.Store
	keystore keystore.Backend
	router   *router.Router

	httpServer *http.Server
	adminHTTP  *http.Server
	ready      atomic.Bool
}

// New constructs a relay server. registry and st may be nil, in which case
// in-memory defaults are used; ks may be nil to disable the endpoint role.
func New(cfg config.Config, logger *zap.Logger, reg registry.PrincipalRegistry, st store.Store, ks keystore.Backend) *RelayServer {
	if reg == nil {
		reg = registry.NewInMemory()
	}
	if st == nil {
		st = store.NewMemory()
	}
	return &RelayServer{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		sessions: session.NewStore(),
		store:    st,
		keystore: ks,
	}
}

// Start boots the relay and blocks until the context is cancelled or the
// listener fails.
func (s *RelayServer) Start(ctx context.Context) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := router.NewMetrics(promReg)

	var exchange *session.Exchange
	if s.keystore != nil {
		identity, err := keys.GenerateKeyPair(nil)
		if err != nil {
			return fmt.Errorf("generate node identity: %w", err)
		}
		exchange = session.NewExchange(s.sessions, identity, s.keystore, s.log)
		if err := s.warmStart(ctx); err != nil {
			return err
		}
	}

	s.router = router.New(s.log, s.registry, s.sessions, dedup.New(s.cfg.DedupWindow), router.Options{
		Exchange: exchange,
		Store:    s.store,
		Metrics:  metrics,
		Delivery: s.persistDelivery,
	})

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: s.buildAPIMux(),
	}
	s.startAdminServer(promReg)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// warmStart reloads previously established chat keys from the sealed
// keystore so a restart does not force every chat through a new handshake.
func (s *RelayServer) warmStart(ctx context.Context) error {
	records, err := s.keystore.ListChatKeys(ctx)
	if err != nil {
		return fmt.Errorf("warm start from keystore: %w", err)
	}
	for _, rec := range records {
		s.sessions.EnsureChat(rec.ChatID, rec.Participants...)
		if len(rec.Key) > 0 {
			s.sessions.Put(rec.ChatID, rec.Key, rec.State)
		}
		rec.Zero()
	}
	if len(records) > 0 {
		s.log.Info("chat keys restored", zap.Int("chats", len(records)))
	}
	return nil
}

// persistDelivery is the router's delivery sink: every routed message lands
// in the external store regardless of whether its recipient was online.
func (s *RelayServer) persistDelivery(rec wire.MessageRecord) {
	if err := s.store.SaveMessage(context.Background(), rec); err != nil {
		s.log.Warn("persist message",
			zap.String("chat_id", rec.ChatID),
			zap.Error(err))
	}
}

func (s *RelayServer) buildAPIMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(s.log, s.router, s.cfg.ReadBufferSize, s.cfg.WriteBufferSize))
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/chats", s.handleChats)
	mux.HandleFunc("/messages", s.handleMessages)
	return mux
}

// handlePresence lists principals with a live connection.
func (s *RelayServer) handlePresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"online": s.registry.Online()})
}

// handleChats serves the chat directory: GET returns the authoritative chat
// list a client reconciles its provisional entries against, POST resolves or
// creates the chat for a participant pair.
func (s *RelayServer) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.handleCreateChat(w, r)
		return
	}

	principal := r.URL.Query().Get("principal")
	if principal == "" {
		http.Error(w, "principal is required", http.StatusBadRequest)
		return
	}
	chats, err := s.store.ListChatsByParticipant(r.Context(), principal)
	if err != nil {
		http.Error(w, "list chats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"chats": chats})
}

func (s *RelayServer) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID  string `json:"ownerId"`
		TargetID string `json:"targetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == "" || req.TargetID == "" {
		http.Error(w, "ownerId and targetId are required", http.StatusBadRequest)
		return
	}
	chat, err := s.router.OpenChat(r.Context(), req.OwnerID, req.TargetID)
	if err != nil {
		s.log.Warn("open chat",
			zap.String("owner", req.OwnerID),
			zap.String("target", req.TargetID),
			zap.Error(err))
		http.Error(w, "open chat failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, chat)
}

// handleMessages returns a chat's stored history in timestamp order.
func (s *RelayServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		http.Error(w, "chatId is required", http.StatusBadRequest)
		return
	}
	msgs, err := s.store.ListByChat(r.Context(), chatID)
	if err != nil {
		http.Error(w, "list messages failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"messages": msgs})
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:    s.cfg.AdminAddress,
		Handler: mux,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}

// Shutdown attempts a graceful stop before the grace period expires.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("relay shutdown", zap.Error(err))
		}
	}
	s.log.Info("relay stopped")
}
