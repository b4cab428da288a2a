package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/internal/giftwrap"
	"github.com/relves/marmot/internal/storage/sqlite"
	"github.com/relves/marmot/internal/transport"
	"github.com/relves/marmot/internal/transport/relay"
	"github.com/relves/marmot/pkg/types"
)

func main() {
	basePath := getEnv("MARMOT_DATA_PATH", "./data")

	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	secretKey, generated, err := loadKey()
	if err != nil {
		logger.Error("failed to load key", "error", err)
		os.Exit(1)
	}
	pubKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		logger.Error("failed to derive public key", "error", err)
		os.Exit(1)
	}

	relays := splitRelays(getEnv("MARMOT_RELAYS", "wss://relay.damus.io"))

	store, err := sqlite.Open(basePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	pool := relay.NewPool(logger)
	defer pool.Close()
	tr := relay.New(relay.Config{Pool: pool, Logger: logger})

	outbox, err := transport.NewOutbox(transport.OutboxConfig{
		Transport: tr,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create outbox", "error", err)
		os.Exit(1)
	}

	fmt.Println("MARMOT Relay Agent Startup")
	fmt.Println("===================================")
	fmt.Printf("Public Key: %s\n", pubKey)
	if generated {
		fmt.Println("Key Source: Ephemeral (generated on startup)")
	} else {
		fmt.Println("Key Source: MARMOT_PRIVATE_KEY environment variable")
	}
	fmt.Printf("Relays: %s\n", strings.Join(relays, ", "))
	fmt.Printf("Data Path: %s\n", basePath)
	fmt.Println()
	fmt.Println("Watching for gift-wrapped invites and draining the outbox.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go outbox.Run(ctx)

	if err := watchInvites(ctx, tr, relays, secretKey, pubKey, logger); err != nil && ctx.Err() == nil {
		logger.Error("invite watcher stopped", "error", err)
		os.Exit(1)
	}
}

// watchInvites subscribes to gift wraps addressed to the local identity and
// logs welcome rumors as they arrive. Joining the group is the engine's
// job; this only surfaces the invitation.
func watchInvites(ctx context.Context, tr transport.Transport, relays []string, secretKey, pubKey string, logger *slog.Logger) error {
	since := nostr.Now()
	stream, err := tr.Subscribe(ctx, relays, nostr.Filters{
		transport.GiftWrapFilter(pubKey, &since),
	})
	if err != nil {
		return err
	}

	for evt := range stream {
		rumor, err := giftwrap.Unwrap(evt, secretKey)
		if err != nil {
			logger.Warn("discarding unreadable envelope", "event", evt.ID, "error", err)
			continue
		}
		if rumor.Kind != types.KindWelcome {
			logger.Debug("ignoring non-welcome rumor", "kind", rumor.Kind)
			continue
		}
		logger.Info("group invitation received",
			"event", evt.ID, "from", rumor.PubKey, "received_at", evt.CreatedAt.Time())
	}
	return ctx.Err()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadKey loads the hex secret key from MARMOT_PRIVATE_KEY or generates an
// ephemeral one.
func loadKey() (secretKey string, generated bool, err error) {
	if sk := os.Getenv("MARMOT_PRIVATE_KEY"); sk != "" {
		if !nostr.IsValid32ByteHex(sk) {
			return "", false, fmt.Errorf("MARMOT_PRIVATE_KEY must be 64 hex characters")
		}
		return sk, false, nil
	}
	return nostr.GeneratePrivateKey(), true, nil
}

func splitRelays(s string) []string {
	var relays []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			relays = append(relays, trimmed)
		}
	}
	return relays
}
