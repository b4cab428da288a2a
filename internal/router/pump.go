package router

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/internal/transport"
	"github.com/relves/marmot/pkg/mls"
)

// Pump is the single long-lived inbound loop: it subscribes to the relay
// set, suppresses duplicate deliveries (the transport is at-least-once),
// hands envelopes to the engine for decryption, and dispatches the result
// through the router. Events are processed one at a time in arrival order.
type Pump struct {
	transport transport.Transport
	engine    mls.Engine
	router    *Router
	seen      *lru.Cache[string, struct{}]
	logger    *slog.Logger
}

// PumpConfig configures a Pump.
type PumpConfig struct {
	Transport transport.Transport
	Engine    mls.Engine
	Router    *Router

	// SeenCacheSize bounds the duplicate-suppression cache. Default: 8192.
	SeenCacheSize int

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger
}

// NewPump creates a pump.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("Transport is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("Engine is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("Router is required")
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 8192
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	return &Pump{
		transport: cfg.Transport,
		engine:    cfg.Engine,
		router:    cfg.Router,
		seen:      seen,
		logger:    cfg.Logger,
	}, nil
}

// Run subscribes and processes inbound envelopes until ctx is done or the
// stream closes. Undecryptable or malformed events are dropped and logged;
// processing continues.
func (p *Pump) Run(ctx context.Context, relays []string, filters nostr.Filters) error {
	stream, err := p.transport.Subscribe(ctx, relays, filters)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-stream:
			if !ok {
				return nil
			}
			p.process(ctx, evt)
		}
	}
}

func (p *Pump) process(ctx context.Context, evt *nostr.Event) {
	if evt == nil {
		return
	}
	if _, dup := p.seen.Get(evt.ID); dup {
		return
	}
	p.seen.Add(evt.ID, struct{}{})

	n, err := p.engine.Decrypt(ctx, evt)
	if err != nil {
		p.logger.Warn("dropping undecryptable event", "event", evt.ID, "error", err)
		return
	}
	if err := p.router.Dispatch(ctx, n); err != nil {
		p.logger.Warn("dropping event", "event", evt.ID, "error", err)
	}
}
