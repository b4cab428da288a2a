// Package mlstest provides a scripted in-memory Engine for tests.
package mlstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/types"
)

// Engine is a fake mls.Engine backed by in-memory group state. Zero value is
// not usable; construct with New. Behavior can be overridden per-call via
// the Fn fields; otherwise commits advance epochs and stage membership
// changes the way the real engine would.
type Engine struct {
	mu     sync.Mutex
	groups map[types.GroupID]*mls.GroupState
	merged map[string]bool              // commit id -> already merged
	staged map[string]stagedChange      // commit id -> membership delta
	seq    int

	// EvolutionErrs is a queue of errors returned by successive
	// CreateEvolution calls before the default behavior resumes. A nil
	// entry means "succeed".
	EvolutionErrs []error

	// MergeErr, when non-nil, fails every MergeEvolution call.
	MergeErr error

	// DecryptFn, when non-nil, handles Decrypt.
	DecryptFn func(ctx context.Context, raw *nostr.Event) (*mls.Notification, error)

	// Call counters for assertions.
	CreateEvolutionCalls int
	RemoveCalls          [][]string
	StateCalls           int
}

type stagedChange struct {
	groupID types.GroupID
	added   []types.Member
	removed []string
}

// New creates an empty fake engine.
func New() *Engine {
	return &Engine{
		groups: make(map[types.GroupID]*mls.GroupState),
		merged: make(map[string]bool),
		staged: make(map[string]stagedChange),
	}
}

// Seed installs a group with the given epoch and members.
func (e *Engine) Seed(id types.GroupID, epoch uint64, members ...types.Member) *mls.GroupState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &mls.GroupState{
		Group: types.Group{
			ID:      id,
			NostrID: types.NostrGroupID("net-" + string(id)),
			Name:    string(id),
			Epoch:   epoch,
			State:   types.GroupStateActive,
			Relays:  []string{"wss://relay.test"},
		},
		Members: members,
	}
	e.groups[id] = st
	return st
}

func (e *Engine) CreateGroup(ctx context.Context, cfg mls.GroupConfig) (*mls.GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	id := types.GroupID(fmt.Sprintf("group-%d", e.seq))
	st := &mls.GroupState{
		Group: types.Group{
			ID:          id,
			NostrID:     types.NostrGroupID("net-" + string(id)),
			Name:        cfg.Name,
			Description: cfg.Description,
			Admins:      cfg.Admins,
			Relays:      cfg.Relays,
			Epoch:       0,
			State:       types.GroupStatePending,
			CreatedAt:   time.Now().UTC(),
		},
	}
	e.groups[id] = st
	return copyState(st), nil
}

func (e *Engine) CreateEvolution(ctx context.Context, id types.GroupID, invitees []mls.KeyPackage) (*mls.Evolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CreateEvolutionCalls++
	if len(e.EvolutionErrs) > 0 {
		err := e.EvolutionErrs[0]
		e.EvolutionErrs = e.EvolutionErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	st, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", id)
	}

	commit := e.newCommit(st)
	change := stagedChange{groupID: id}
	rumors := make([]*nostr.Event, 0, len(invitees))
	for _, kp := range invitees {
		change.added = append(change.added, types.Member{PubKey: kp.PubKey})
		rumors = append(rumors, &nostr.Event{
			Kind:      types.KindWelcome,
			CreatedAt: nostr.Now(),
			Tags:      nostr.Tags{{"p", kp.PubKey}},
			Content:   fmt.Sprintf("welcome to %s", id),
		})
	}
	e.staged[commit.ID] = change

	return &mls.Evolution{Commit: commit, WelcomeRumors: rumors}, nil
}

func (e *Engine) MergeEvolution(ctx context.Context, id types.GroupID, commit *nostr.Event) (*mls.GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.MergeErr != nil {
		return nil, e.MergeErr
	}

	st, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", id)
	}
	if e.merged[commit.ID] {
		return copyState(st), nil
	}

	change := e.staged[commit.ID]
	for _, rm := range change.removed {
		for i, m := range st.Members {
			if m.PubKey == rm {
				st.Members = append(st.Members[:i], st.Members[i+1:]...)
				break
			}
		}
	}
	for _, add := range change.added {
		st.Members = append(st.Members, add)
	}
	st.Group.Epoch++
	if st.Group.State == types.GroupStatePending {
		st.Group.State = types.GroupStateActive
	}
	e.merged[commit.ID] = true

	return copyState(st), nil
}

func (e *Engine) RemoveMembers(ctx context.Context, id types.GroupID, pubkeys []string) (*nostr.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.RemoveCalls = append(e.RemoveCalls, pubkeys)
	st, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", id)
	}

	commit := e.newCommit(st)
	e.staged[commit.ID] = stagedChange{groupID: id, removed: pubkeys}
	return commit, nil
}

func (e *Engine) LeaveGroup(ctx context.Context, id types.GroupID) (*nostr.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", id)
	}
	return e.newCommit(st), nil
}

func (e *Engine) CreateMessage(ctx context.Context, id types.GroupID, inner *nostr.Event) (*nostr.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", id)
	}
	e.seq++
	evt := &nostr.Event{
		Kind:      types.KindGroupMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"h", string(st.Group.NostrID)}},
		Content:   fmt.Sprintf("ciphertext-%d", e.seq),
	}
	evt.ID = evt.GetID()
	return evt, nil
}

func (e *Engine) Decrypt(ctx context.Context, raw *nostr.Event) (*mls.Notification, error) {
	if e.DecryptFn != nil {
		return e.DecryptFn(ctx, raw)
	}
	return nil, fmt.Errorf("mlstest: no DecryptFn configured")
}

func (e *Engine) GroupState(ctx context.Context, id types.GroupID) (*mls.GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.StateCalls++
	st, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("unknown group %s", id)
	}
	return copyState(st), nil
}

func (e *Engine) newCommit(st *mls.GroupState) *nostr.Event {
	e.seq++
	evt := &nostr.Event{
		Kind:      types.KindGroupMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"h", string(st.Group.NostrID)}},
		Content:   fmt.Sprintf("commit-%d", e.seq),
	}
	evt.ID = evt.GetID()
	return evt
}

func copyState(st *mls.GroupState) *mls.GroupState {
	out := &mls.GroupState{Group: st.Group}
	out.Group.Admins = append([]string(nil), st.Group.Admins...)
	out.Group.Relays = append([]string(nil), st.Group.Relays...)
	out.Members = append([]types.Member(nil), st.Members...)
	return out
}

var _ mls.Engine = (*Engine)(nil)
