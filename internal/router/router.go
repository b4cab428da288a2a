// Package router classifies decrypted inbound group traffic and fans it out
// to per-group subscribers, triggering a state refresh whenever membership
// or epoch may have changed.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/types"
)

// Event is one delivery to a group subscriber. For reactions, TargetID is
// the id of the message the reaction refers to and the event is not part of
// the primary message sequence.
type Event struct {
	Type     mls.NotificationType
	GroupID  types.GroupID
	Message  *nostr.Event
	TargetID string
}

// Refresher re-fetches Group/Member records after a commit or proposal was
// processed by the engine.
type Refresher interface {
	RefreshGroup(ctx context.Context, id types.GroupID) error
}

// Router dispatches classified notifications. Per group, deliveries happen
// in the order notifications arrive; delivery is non-blocking, so a
// subscriber that stops draining loses events (logged) rather than stalling
// every other group.
type Router struct {
	mu     sync.RWMutex
	subs   map[types.GroupID]chan Event
	buffer int

	refresher Refresher
	logger    *slog.Logger
}

// Config configures a Router.
type Config struct {
	Refresher Refresher

	// Buffer is the per-group subscriber channel capacity. Default: 256.
	Buffer int

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger
}

// New creates a router.
func New(cfg Config) (*Router, error) {
	if cfg.Refresher == nil {
		return nil, fmt.Errorf("Refresher is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		subs:      make(map[types.GroupID]chan Event),
		buffer:    cfg.Buffer,
		refresher: cfg.Refresher,
		logger:    cfg.Logger,
	}, nil
}

// Subscribe returns the delivery channel for a group, creating it on first
// use.
func (r *Router) Subscribe(id types.GroupID) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.subs[id]
	if !ok {
		ch = make(chan Event, r.buffer)
		r.subs[id] = ch
	}
	return ch
}

// Unsubscribe removes and closes a group's delivery channel.
func (r *Router) Unsubscribe(id types.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.subs[id]; ok {
		close(ch)
		delete(r.subs, id)
	}
}

// Dispatch routes one notification. Commits and proposals trigger exactly
// one state refresh and forward nothing; application messages are forwarded
// to the group's subscriber; reactions are forwarded keyed by their target
// message. Malformed notifications are dropped with an error.
func (r *Router) Dispatch(ctx context.Context, n *mls.Notification) error {
	if n == nil || n.GroupID == "" {
		return fmt.Errorf("%w: notification without group", types.ErrMalformedEvent)
	}

	switch n.Type {
	case mls.NotificationCommit, mls.NotificationProposal:
		if err := r.refresher.RefreshGroup(ctx, n.GroupID); err != nil {
			return fmt.Errorf("refresh group %s: %w", n.GroupID, err)
		}
		return nil

	case mls.NotificationMessage:
		if n.Message == nil {
			return fmt.Errorf("%w: message notification without payload", types.ErrMalformedEvent)
		}
		ev := Event{Type: mls.NotificationMessage, GroupID: n.GroupID, Message: n.Message}
		if n.Message.Kind == types.KindReaction {
			target, err := types.ReactionTarget(n.Message)
			if err != nil {
				return err
			}
			ev.Type = mls.NotificationReaction
			ev.TargetID = target
		}
		r.deliver(n.GroupID, ev)
		return nil

	default:
		return fmt.Errorf("%w: unknown notification type %q", types.ErrMalformedEvent, n.Type)
	}
}

func (r *Router) deliver(id types.GroupID, ev Event) {
	// The lock is held across the send: Unsubscribe closes the channel
	// under the write lock, and sending on a closed channel panics even
	// with a default case. The send never blocks, so writers only wait for
	// the select itself.
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.subs[id]
	if !ok {
		return
	}

	select {
	case ch <- ev:
	default:
		r.logger.Warn("subscriber backlogged, dropping event", "group", id, "type", ev.Type)
	}
}
