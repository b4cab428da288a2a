// Package mls defines the boundary to the external MLS crypto engine. The
// engine owns all cryptographic group state; this module only orchestrates
// around the operations declared here.
package mls

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/pkg/types"
)

// KeyPackage is one invitee's published key-exchange material, fetched from
// relays before an evolution. The Event carries the serialized package; the
// engine is the only consumer of its content.
type KeyPackage struct {
	PubKey string // owner identity, hex
	Event  *nostr.Event
}

// Evolution is the not-yet-merged output of one evolution request: the
// publishable commit plus one welcome rumor per invitee. At most one
// Evolution per group is outstanding at any time.
type Evolution struct {
	Commit *nostr.Event
	// WelcomeRumors are unsigned, unencrypted invitation payloads, each
	// tagged with exactly one intended recipient. Consumed once by the
	// welcome dispatcher.
	WelcomeRumors []*nostr.Event
}

// GroupState is the engine's current view of a group, returned by merges
// and state queries. The caller persists it; the engine does not touch the
// local store.
type GroupState struct {
	Group   types.Group
	Members []types.Member
}

// NotificationType classifies one decrypted inbound event.
type NotificationType string

const (
	// NotificationMessage is a decrypted application payload.
	NotificationMessage NotificationType = "message"
	// NotificationReaction is a constrained application message targeting
	// another message. The engine reports these as NotificationMessage;
	// the router refines by inner kind.
	NotificationReaction NotificationType = "reaction"
	// NotificationCommit means the engine processed a membership commit.
	NotificationCommit NotificationType = "commit"
	// NotificationProposal means the engine processed a pending proposal.
	NotificationProposal NotificationType = "proposal"
)

// Notification is the engine's decryption result for one inbound envelope.
type Notification struct {
	Type    NotificationType
	GroupID types.GroupID
	// Message is the decrypted inner event for NotificationMessage; nil for
	// commits and proposals, whose content is never forwarded.
	Message *nostr.Event
}

// GroupConfig holds parameters for creating a new group.
type GroupConfig struct {
	Name        string
	Description string
	Admins      []string
	Relays      []string
}

// DuplicateMemberError is returned by CreateEvolution when one or more
// invitees already hold a leaf in the group, typically because an earlier
// attempt partially completed. It carries the conflicting identities so the
// coordinator can remove exactly those and retry.
type DuplicateMemberError struct {
	PubKeys []string
}

func (e *DuplicateMemberError) Error() string {
	return fmt.Sprintf("duplicate signature key for members: %s", strings.Join(e.PubKeys, ", "))
}

// Engine is the opaque crypto service this module orchestrates. All methods
// may block on CPU-bound cryptographic work and take a context.
type Engine interface {
	// CreateGroup initializes a new cryptographic group with the local
	// member as sole participant.
	CreateGroup(ctx context.Context, cfg GroupConfig) (*GroupState, error)

	// CreateEvolution produces one commit plus one welcome rumor per
	// invitee. It does not change group state.
	CreateEvolution(ctx context.Context, id types.GroupID, invitees []KeyPackage) (*Evolution, error)

	// MergeEvolution applies a previously created commit to the engine's
	// group state. Merging an already-merged commit is a no-op, not an
	// error.
	MergeEvolution(ctx context.Context, id types.GroupID, commit *nostr.Event) (*GroupState, error)

	// RemoveMembers produces a commit that removes the given identities.
	RemoveMembers(ctx context.Context, id types.GroupID, pubkeys []string) (*nostr.Event, error)

	// LeaveGroup produces the payload announcing the local member's
	// departure.
	LeaveGroup(ctx context.Context, id types.GroupID) (*nostr.Event, error)

	// CreateMessage encrypts an inner application event for the group.
	CreateMessage(ctx context.Context, id types.GroupID, inner *nostr.Event) (*nostr.Event, error)

	// Decrypt processes one raw inbound envelope and classifies it.
	Decrypt(ctx context.Context, raw *nostr.Event) (*Notification, error)

	// GroupState returns the engine's current view of a group. Used by
	// router-triggered refreshes after commits and proposals.
	GroupState(ctx context.Context, id types.GroupID) (*GroupState, error)
}
