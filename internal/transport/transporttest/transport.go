// Package transporttest provides a scripted in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/internal/transport"
	"github.com/relves/marmot/pkg/types"
)

// Published records one successful publish call.
type Published struct {
	Relays []string
	Event  *nostr.Event
}

// Transport is a fake transport that records publishes and serves scripted
// query results and a test-fed subscription stream.
type Transport struct {
	mu     sync.Mutex
	events []Published

	// PublishFn, when non-nil, decides per-event whether a publish fails.
	// Failed publishes are not recorded.
	PublishFn func(evt *nostr.Event) error

	// QueryFn, when non-nil, handles QuerySync.
	QueryFn func(filter nostr.Filter) ([]*nostr.Event, error)

	// Stream is handed out by Subscribe. Tests feed inbound events here.
	Stream chan *nostr.Event
}

// New creates a fake transport with a buffered inbound stream.
func New() *Transport {
	return &Transport{Stream: make(chan *nostr.Event, 64)}
}

func (t *Transport) Publish(ctx context.Context, relays []string, evt *nostr.Event) error {
	if t.PublishFn != nil {
		if err := t.PublishFn(evt); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, Published{Relays: relays, Event: evt})
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan *nostr.Event, error) {
	return t.Stream, nil
}

func (t *Transport) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	if t.QueryFn != nil {
		return t.QueryFn(filter)
	}
	return nil, nil
}

// PublishedEvents returns a copy of everything published so far.
func (t *Transport) PublishedEvents() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.events...)
}

// PublishedOfKind returns published events with the given kind.
func (t *Transport) PublishedOfKind(kind int) []*nostr.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*nostr.Event
	for _, p := range t.events {
		if p.Event.Kind == kind {
			out = append(out, p.Event)
		}
	}
	return out
}

// WrapsFor returns published gift-wrap envelopes addressed to pubkey.
func (t *Transport) WrapsFor(pubkey string) []*nostr.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*nostr.Event
	for _, p := range t.events {
		if p.Event.Kind != types.KindGiftWrap {
			continue
		}
		if tag := p.Event.Tags.GetFirst([]string{"p"}); tag != nil && tag.Value() == pubkey {
			out = append(out, p.Event)
		}
	}
	return out
}

var _ transport.Transport = (*Transport)(nil)
