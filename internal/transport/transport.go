// Package transport abstracts the relay network: fire-and-forget publish
// with at-least-once semantics, long-lived subscriptions, and stored-event
// queries. Callers must tolerate duplicate delivery.
package transport

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/pkg/types"
)

// Transport is the relay-facing surface consumed by the rest of the module.
type Transport interface {
	// Publish sends one event to every relay in the set. It succeeds when
	// at least one relay accepts; a returned error means every relay
	// failed. Duplicate publication of the same event is harmless.
	Publish(ctx context.Context, relays []string, evt *nostr.Event) error

	// Subscribe opens one long-lived stream over the given relays. Events
	// from all relays are fanned into a single channel, closed when ctx
	// is done.
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (<-chan *nostr.Event, error)

	// QuerySync fetches stored events matching filter from all relays and
	// returns them deduplicated by id.
	QuerySync(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error)
}

// GroupFilter matches encrypted group traffic for the given network-visible
// group ids.
func GroupFilter(nids []types.NostrGroupID, since *nostr.Timestamp) nostr.Filter {
	ids := make([]string, len(nids))
	for i, nid := range nids {
		ids[i] = string(nid)
	}
	return nostr.Filter{
		Kinds: []int{types.KindGroupMessage},
		Tags:  nostr.TagMap{"h": ids},
		Since: since,
	}
}

// GiftWrapFilter matches envelopes addressed to pubkey.
func GiftWrapFilter(pubkey string, since *nostr.Timestamp) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{types.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{pubkey}},
		Since: since,
	}
}

// KeyPackageFilter matches the newest published key package per author.
func KeyPackageFilter(authors []string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{types.KindKeyPackage},
		Authors: authors,
	}
}
