// Package evolution orchestrates group membership changes: producing a
// commit, publishing it, merging it locally, and delivering one privately
// addressed welcome per invitee.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relves/marmot/internal/storage"
	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/types"
)

// Coordinator drives membership evolutions. Evolutions against the same
// group are serialized; the local store is mutated only here and by
// router-triggered refreshes.
type Coordinator struct {
	engine     mls.Engine
	publisher  Publisher
	dispatcher *Dispatcher
	store      storage.StateStore
	locks      *lockTable
	logger     *slog.Logger
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Engine    mls.Engine
	Publisher Publisher
	Store     storage.StateStore

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("Engine is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("Publisher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		engine:     cfg.Engine,
		publisher:  cfg.Publisher,
		dispatcher: NewDispatcher(cfg.Publisher, cfg.Logger),
		store:      cfg.Store,
		locks:      newLockTable(),
		logger:     cfg.Logger,
	}, nil
}

// Evolve adds the resolved invitees to the group. The sequence is strict:
// produce the commit, publish it, merge it locally, then dispatch welcomes.
// The merge must complete before any welcome goes out, otherwise a newly
// welcomed member could reach an epoch the inviter cannot yet process.
//
// The commit publish failing is a partial outcome, not a fatal one: local
// consistency must not depend on transport success, so the merge proceeds
// and the commit is left to the outbox. A merge failure is fatal and no
// welcomes are dispatched.
func (c *Coordinator) Evolve(ctx context.Context, id types.GroupID, invitees []mls.KeyPackage) (*types.EvolutionResult, error) {
	if len(invitees) == 0 {
		return nil, types.ErrNoResolvableInvitees
	}

	unlock, err := c.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	group, err := c.store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	if group.State == types.GroupStateInactive {
		return nil, types.ErrGroupInactive
	}

	evo, err := c.engine.CreateEvolution(ctx, id, invitees)
	if err != nil {
		var dup *mls.DuplicateMemberError
		if !errors.As(err, &dup) {
			return nil, fmt.Errorf("create evolution: %w", err)
		}
		evo, err = c.recoverDuplicate(ctx, group, dup, invitees)
		if err != nil {
			return nil, err
		}
	}

	result := &types.EvolutionResult{GroupID: id}

	if err := c.publisher.Publish(ctx, group.Relays, evo.Commit); err != nil {
		c.logger.Warn("commit publish failed, merge proceeding", "group", id, "error", err)
		result.CommitQueued = true
	}

	state, err := c.engine.MergeEvolution(ctx, id, evo.Commit)
	if err != nil {
		return nil, fmt.Errorf("merge evolution: %w", err)
	}
	if err := c.persist(ctx, state); err != nil {
		return nil, fmt.Errorf("persist merged state: %w", err)
	}
	result.Epoch = state.Group.Epoch

	for _, rumor := range evo.WelcomeRumors {
		outcome := c.dispatcher.Dispatch(ctx, state.Group.Relays, rumor)
		if outcome.Err != nil {
			result.Failed = append(result.Failed, types.InviteeFailure{
				PubKey: outcome.Recipient,
				Stage:  outcome.Stage,
				Err:    outcome.Err,
			})
			continue
		}
		result.Welcomed = append(result.Welcomed, outcome.Recipient)
	}

	c.logger.Info("evolution complete",
		"group", id, "epoch", result.Epoch,
		"welcomed", len(result.Welcomed), "failed", len(result.Failed))
	return result, nil
}

// Remove produces, publishes and merges a commit removing the given
// members. Used directly for admin removals and internally for
// duplicate-member recovery.
func (c *Coordinator) Remove(ctx context.Context, id types.GroupID, pubkeys []string) (*types.EvolutionResult, error) {
	unlock, err := c.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	group, err := c.store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	return c.removeLocked(ctx, group, pubkeys)
}

func (c *Coordinator) removeLocked(ctx context.Context, group *types.Group, pubkeys []string) (*types.EvolutionResult, error) {
	commit, err := c.engine.RemoveMembers(ctx, group.ID, pubkeys)
	if err != nil {
		return nil, fmt.Errorf("create removal: %w", err)
	}

	result := &types.EvolutionResult{GroupID: group.ID}
	if err := c.publisher.Publish(ctx, group.Relays, commit); err != nil {
		c.logger.Warn("removal publish failed, merge proceeding", "group", group.ID, "error", err)
		result.CommitQueued = true
	}

	state, err := c.engine.MergeEvolution(ctx, group.ID, commit)
	if err != nil {
		return nil, fmt.Errorf("merge removal: %w", err)
	}
	if err := c.persist(ctx, state); err != nil {
		return nil, fmt.Errorf("persist merged state: %w", err)
	}
	result.Epoch = state.Group.Epoch
	return result, nil
}

// recoverDuplicate handles the duplicate-signature-key conflict: an earlier,
// partially completed attempt already added some of these identities. Remove
// exactly those and retry once. A second failure surfaces; unbounded retries
// risk membership thrashing.
func (c *Coordinator) recoverDuplicate(ctx context.Context, group *types.Group, dup *mls.DuplicateMemberError, invitees []mls.KeyPackage) (*mls.Evolution, error) {
	c.logger.Warn("duplicate members detected, removing and retrying",
		"group", group.ID, "members", dup.PubKeys)

	if _, err := c.removeLocked(ctx, group, dup.PubKeys); err != nil {
		return nil, fmt.Errorf("remove duplicate members: %w", err)
	}

	evo, err := c.engine.CreateEvolution(ctx, group.ID, invitees)
	if err != nil {
		return nil, fmt.Errorf("evolution retry after duplicate removal: %w", err)
	}
	return evo, nil
}

func (c *Coordinator) persist(ctx context.Context, state *mls.GroupState) error {
	if err := c.store.PutGroup(ctx, &state.Group); err != nil {
		return err
	}
	return c.store.ReplaceMembers(ctx, state.Group.ID, state.Members)
}
