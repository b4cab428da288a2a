package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relves/marmot/pkg/types"
)

// StateStore abstracts local persistence of group membership state and the
// publish outbox. Group and member records are written only by the
// evolution merge path and by router-triggered refreshes.
type StateStore interface {
	// Groups
	PutGroup(ctx context.Context, group *types.Group) error
	GetGroup(ctx context.Context, id types.GroupID) (*types.Group, error)
	GetGroupByNostrID(ctx context.Context, nid types.NostrGroupID) (*types.Group, error)
	ListGroups(ctx context.Context) ([]*types.Group, error)
	SetGroupState(ctx context.Context, id types.GroupID, state types.GroupState) error

	// Members
	ReplaceMembers(ctx context.Context, id types.GroupID, members []types.Member) error
	ListMembers(ctx context.Context, id types.GroupID) ([]types.Member, error)

	// Outbox
	EnqueueOutbox(ctx context.Context, item *OutboxItem) (int64, error)
	PendingOutbox(ctx context.Context, limit int) ([]*OutboxItem, error)
	MarkOutboxDelivered(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, lastErr string) error
}

// OutboxItem is one payload awaiting (re)publication. The serialized event
// is kept so retries never re-derive the payload.
type OutboxItem struct {
	ID        int64
	Relays    []string
	Event     json.RawMessage
	Attempts  int
	LastError string
	CreatedAt time.Time
}
