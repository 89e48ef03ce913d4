package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/veilchat/veilchat/internal/config"
	"github.com/veilchat/veilchat/internal/keystore"
	"github.com/veilchat/veilchat/internal/logging"
	"github.com/veilchat/veilchat/internal/registry"
	"github.com/veilchat/veilchat/internal/server"
	"github.com/veilchat/veilchat/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	messageStore, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		logger.Fatal("open message store", zap.Error(err))
	}
	defer messageStore.Close()

	// Without a keystore the node runs as a pure relay and never holds
	// chat keys; with one it can participate in handshakes and decrypt.
	var keyBackend keystore.Backend
	if cfg.Keystore.Path != "" {
		passphrase, err := cfg.Passphrase()
		if err != nil {
			logger.Fatal("keystore passphrase unavailable", zap.Error(err))
		}
		fileBackend := keystore.NewFileBackend(cfg.Keystore.Path)
		initOrUnlockKeystore(logger, fileBackend, passphrase)
		keyBackend = fileBackend
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger, registry.NewInMemory(), messageStore, keyBackend)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("relay exited with error", zap.Error(err))
	}
}

func initOrUnlockKeystore(log *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize keystore", zap.Error(err))
			}
			log.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		log.Fatal("unlock keystore", zap.Error(err))
		return
	}
	log.Info("keystore unlocked")
}
