package types

import (
	"time"
)

// GroupID is the local identifier for a group (hex encoding of the MLS
// group id). It never appears on the wire.
type GroupID string

// NostrGroupID is the network-visible group identifier carried in "h" tags
// on group traffic. It is distinct from GroupID so relay observers cannot
// correlate the two.
type NostrGroupID string

// GroupState is the lifecycle state of a local group record.
type GroupState string

const (
	// GroupStatePending means the group was created locally but no commit
	// has been merged yet.
	GroupStatePending GroupState = "pending"
	// GroupStateActive means the local member participates in the group.
	GroupStateActive GroupState = "active"
	// GroupStateInactive means the local member left or was removed.
	GroupStateInactive GroupState = "inactive"
)

// Group is the local record of a messaging group. It is mutated only by the
// evolution merge path and by router-triggered refreshes.
type Group struct {
	ID          GroupID      `json:"id"`
	NostrID     NostrGroupID `json:"nostr_id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Admins      []string     `json:"admins"` // hex pubkeys, ordered
	Relays      []string     `json:"relays"`
	Epoch       uint64       `json:"epoch"`
	State       GroupState   `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsAdmin reports whether pubkey is in the group's admin set.
func (g *Group) IsAdmin(pubkey string) bool {
	for _, a := range g.Admins {
		if a == pubkey {
			return true
		}
	}
	return false
}

// Member is one participant of a group.
type Member struct {
	PubKey  string `json:"pubkey"` // hex
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	Admin   bool   `json:"admin"`
}
