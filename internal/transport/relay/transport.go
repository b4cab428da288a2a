// Package relay implements the transport over Nostr relays using go-nostr.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/relves/marmot/internal/transport"
	"github.com/relves/marmot/pkg/types"
)

// Transport publishes and subscribes over a pool of relay connections.
type Transport struct {
	pool   *Pool
	logger *slog.Logger
}

// Config configures the relay transport.
type Config struct {
	// Pool to draw connections from. Default: a fresh pool.
	Pool *Pool

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger
}

// New creates a relay-backed transport.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(cfg.Logger)
	}
	return &Transport{pool: cfg.Pool, logger: cfg.Logger}
}

// Publish fans the event out to every relay concurrently. At-least-once:
// one accepting relay is success, and re-publishing the same event later is
// harmless.
func (t *Transport) Publish(ctx context.Context, relays []string, evt *nostr.Event) error {
	if len(relays) == 0 {
		return fmt.Errorf("empty relay set")
	}

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		accepted int
	)

	g := errgroup.Group{}
	for _, url := range relays {
		g.Go(func() error {
			err := t.publishOne(ctx, url, evt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[url] = err
			} else {
				accepted++
			}
			return nil
		})
	}
	g.Wait()

	for url, err := range failures {
		t.logger.Debug("relay rejected event", "url", url, "event", evt.ID, "error", err)
	}
	if accepted == 0 {
		return &types.PublishError{Relays: failures}
	}
	return nil
}

func (t *Transport) publishOne(ctx context.Context, url string, evt *nostr.Event) error {
	r, err := t.pool.Ensure(ctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := r.Publish(ctx, *evt); err != nil {
		t.pool.Drop(url)
		return err
	}
	return nil
}

// Subscribe opens one subscription per relay and fans all events into a
// single channel. Relays that fail to connect are skipped; the subscription
// fails only if no relay connects. The channel closes when ctx is done.
func (t *Transport) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan *nostr.Event, error) {
	out := make(chan *nostr.Event)
	var wg sync.WaitGroup
	opened := 0

	for _, url := range relays {
		r, err := t.pool.Ensure(ctx, url)
		if err != nil {
			t.logger.Warn("skipping unreachable relay", "url", url, "error", err)
			continue
		}
		sub, err := r.Subscribe(ctx, filters)
		if err != nil {
			t.logger.Warn("subscription failed", "url", url, "error", err)
			continue
		}
		opened++
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	if opened == 0 {
		close(out)
		return nil, fmt.Errorf("no relay reachable out of %d", len(relays))
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// QuerySync queries all relays concurrently and merges results, dropping
// duplicates by event id.
func (t *Transport) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	var (
		mu     sync.Mutex
		seen   = make(map[string]bool)
		merged []*nostr.Event
	)

	g := errgroup.Group{}
	for _, url := range relays {
		g.Go(func() error {
			r, err := t.pool.Ensure(ctx, url)
			if err != nil {
				t.logger.Debug("query skipping relay", "url", url, "error", err)
				return nil
			}
			events, err := r.QuerySync(ctx, filter)
			if err != nil {
				t.logger.Debug("query failed", "url", url, "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, evt := range events {
				if !seen[evt.ID] {
					seen[evt.ID] = true
					merged = append(merged, evt)
				}
			}
			return nil
		})
	}
	g.Wait()
	return merged, nil
}

var _ transport.Transport = (*Transport)(nil)
