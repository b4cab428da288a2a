// Package group provides the public service surface for group membership
// evolution and messaging.
package group

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/types"
)

// Service defines the operations callers drive the protocol with.
type Service interface {
	// CreateGroup initializes a new group with the local member.
	CreateGroup(ctx context.Context, cfg mls.GroupConfig) (*types.Group, error)

	// Evolve adds members to a group: key material is fetched best-effort
	// per invitee, then the commit/welcome pipeline runs. Partial outcomes
	// are reported per invitee so callers can retry only the failed subset.
	Evolve(ctx context.Context, id types.GroupID, addPubkeys []string) (*types.EvolutionResult, error)

	// RemoveMembers evolves the group by removing the given identities.
	RemoveMembers(ctx context.Context, id types.GroupID, pubkeys []string) (*types.EvolutionResult, error)

	// LeaveGroup announces the local member's departure and marks the
	// local record inactive.
	LeaveGroup(ctx context.Context, id types.GroupID) error

	// SendMessage encrypts and publishes an application message. The inner
	// event is returned for optimistic display even when publication is
	// still pending in the outbox.
	SendMessage(ctx context.Context, id types.GroupID, content string) (*nostr.Event, error)

	// SendReaction publishes a reaction targeting another message.
	SendReaction(ctx context.Context, id types.GroupID, targetID, content string) (*nostr.Event, error)

	// RefreshGroup re-fetches Group/Member records from the engine into
	// the local store. Called by the router after commits and proposals.
	RefreshGroup(ctx context.Context, id types.GroupID) error

	// Run processes inbound group traffic for the active groups until ctx
	// is done: decrypted events are routed, commits and proposals refresh
	// local state, and queued publishes are retried in the background.
	Run(ctx context.Context) error

	// Groups lists local group records.
	Groups(ctx context.Context) ([]*types.Group, error)

	// Members lists a group's member records.
	Members(ctx context.Context, id types.GroupID) ([]types.Member, error)
}
