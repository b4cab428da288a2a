package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/internal/storage"
)

// Outbox wraps a Transport with persistent retry. Failed publishes are
// recorded with their serialized payload so retries never have to re-derive
// an event, and a background loop drains the backlog. This keeps optimistic
// sends cheap: the caller gets the failure back immediately but is free to
// ignore it.
type Outbox struct {
	transport Transport
	store     storage.StateStore
	logger    *slog.Logger
	interval  time.Duration
	batch     int
}

// OutboxConfig configures an Outbox.
type OutboxConfig struct {
	Transport Transport
	Store     storage.StateStore

	// RetryInterval between background drain passes. Default: 30s.
	RetryInterval time.Duration

	// Batch is the max items retried per pass. Default: 50.
	Batch int

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger
}

// NewOutbox creates an outbox-backed publisher.
func NewOutbox(cfg OutboxConfig) (*Outbox, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("Transport is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Outbox{
		transport: cfg.Transport,
		store:     cfg.Store,
		logger:    cfg.Logger,
		interval:  cfg.RetryInterval,
		batch:     cfg.Batch,
	}, nil
}

// Publish attempts an immediate publish. On failure the payload is parked
// for background retry and the error is still returned, so callers can
// report a partial outcome without losing the event.
func (o *Outbox) Publish(ctx context.Context, relays []string, evt *nostr.Event) error {
	err := o.transport.Publish(ctx, relays, evt)
	if err == nil {
		return nil
	}

	raw, marshalErr := json.Marshal(evt)
	if marshalErr != nil {
		return fmt.Errorf("publish failed and payload not queueable: %w", err)
	}
	if _, qErr := o.store.EnqueueOutbox(ctx, &storage.OutboxItem{
		Relays:    relays,
		Event:     raw,
		Attempts:  1,
		LastError: err.Error(),
	}); qErr != nil {
		o.logger.Error("failed to queue undelivered event", "event", evt.ID, "error", qErr)
	} else {
		o.logger.Warn("publish failed, queued for retry", "event", evt.ID, "error", err)
	}
	return err
}

// Run drains the outbox on a fixed interval until ctx is done.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.RetryPending(ctx); err != nil {
				o.logger.Error("outbox drain failed", "error", err)
			} else if n > 0 {
				o.logger.Info("outbox drained", "delivered", n)
			}
		}
	}
}

// RetryPending republishes queued payloads, oldest first, and returns how
// many were delivered. Items that fail again stay queued with their attempt
// count bumped.
func (o *Outbox) RetryPending(ctx context.Context) (int, error) {
	items, err := o.store.PendingOutbox(ctx, o.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox: %w", err)
	}

	delivered := 0
	for _, item := range items {
		var evt nostr.Event
		if err := json.Unmarshal(item.Event, &evt); err != nil {
			// Undecodable payloads can never succeed; mark them delivered
			// to stop the retry loop churning on them.
			o.logger.Error("dropping undecodable outbox item", "id", item.ID, "error", err)
			if err := o.store.MarkOutboxDelivered(ctx, item.ID); err != nil {
				return delivered, err
			}
			continue
		}

		if err := o.transport.Publish(ctx, item.Relays, &evt); err != nil {
			if mErr := o.store.MarkOutboxFailed(ctx, item.ID, err.Error()); mErr != nil {
				return delivered, mErr
			}
			continue
		}
		if err := o.store.MarkOutboxDelivered(ctx, item.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}
