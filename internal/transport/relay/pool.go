package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Pool manages live relay connections keyed by URL. Connections are created
// on first use and reused across publishes and subscriptions; a dropped
// connection is re-dialed on the next request.
type Pool struct {
	mu     sync.RWMutex
	relays map[string]*nostr.Relay
	logger *slog.Logger
}

// NewPool creates an empty connection pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		relays: make(map[string]*nostr.Relay),
		logger: logger,
	}
}

// Ensure returns a connected relay for url, dialing if needed.
func (p *Pool) Ensure(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.RLock()
	r, exists := p.relays[url]
	p.mu.RUnlock()

	if exists && r.IsConnected() {
		return r, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if r, exists = p.relays[url]; exists && r.IsConnected() {
		return r, nil
	}

	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	p.relays[url] = conn
	p.logger.Debug("relay connected", "url", url)
	return conn, nil
}

// Drop removes a relay from the pool and closes its connection.
func (p *Pool) Drop(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.relays[url]; ok {
		r.Close()
		delete(p.relays, url)
	}
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.relays)
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, r := range p.relays {
		r.Close()
		delete(p.relays, url)
	}
}
