package group

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/internal/evolution"
	"github.com/relves/marmot/internal/router"
	"github.com/relves/marmot/internal/storage"
	"github.com/relves/marmot/internal/transport"
	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/types"
)

// GroupService implements Service by orchestrating the engine, the
// transport and the local store. It is constructed once per process and
// passed by reference; there is no global instance.
type GroupService struct {
	engine      mls.Engine
	transport   transport.Transport
	publisher   evolution.Publisher
	coordinator *evolution.Coordinator
	store       storage.StateStore
	secretKey   string
	pubKey      string
	logger      *slog.Logger
}

// ServiceConfig holds configuration for creating a GroupService.
type ServiceConfig struct {
	Engine    mls.Engine
	Transport transport.Transport

	// Publisher is the outbox-backed publish surface used for commits,
	// welcomes and messages.
	Publisher evolution.Publisher

	Store storage.StateStore

	// SecretKey is the local identity's hex secret key.
	SecretKey string

	// Logger for structured logging. Default: slog.Default()
	Logger *slog.Logger
}

// NewService creates a GroupService.
func NewService(cfg ServiceConfig) (*GroupService, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("Engine is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("Transport is required")
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

	pub, err := nostr.GetPublicKey(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	coordinator, err := evolution.NewCoordinator(evolution.CoordinatorConfig{
		Engine:    cfg.Engine,
		Publisher: cfg.Publisher,
		Store:     cfg.Store,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &GroupService{
		engine:      cfg.Engine,
		transport:   cfg.Transport,
		publisher:   cfg.Publisher,
		coordinator: coordinator,
		store:       cfg.Store,
		secretKey:   cfg.SecretKey,
		pubKey:      pub,
		logger:      cfg.Logger,
	}, nil
}

// PubKey returns the local identity.
func (s *GroupService) PubKey() string {
	return s.pubKey
}

func (s *GroupService) CreateGroup(ctx context.Context, cfg mls.GroupConfig) (*types.Group, error) {
	state, err := s.engine.CreateGroup(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	if err := s.persist(ctx, state); err != nil {
		return nil, fmt.Errorf("persist group: %w", err)
	}
	return &state.Group, nil
}

func (s *GroupService) Evolve(ctx context.Context, id types.GroupID, addPubkeys []string) (*types.EvolutionResult, error) {
	if len(addPubkeys) == 0 {
		return nil, types.ErrNoResolvableInvitees
	}

	group, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}

	invitees, unresolved := s.fetchKeyPackages(ctx, group.Relays, addPubkeys)
	if len(invitees) == 0 {
		return nil, types.ErrNoResolvableInvitees
	}

	result, err := s.coordinator.Evolve(ctx, id, invitees)
	if err != nil {
		return nil, err
	}
	// Invitees whose key material never resolved are part of the reported
	// outcome too; they can be retried once their key packages appear.
	result.Failed = append(unresolved, result.Failed...)
	return result, nil
}

// fetchKeyPackages resolves key material per invitee. The fetch is
// best-effort: an invitee without a discoverable key package becomes a
// resolve-stage failure and does not block the others.
func (s *GroupService) fetchKeyPackages(ctx context.Context, relays, pubkeys []string) ([]mls.KeyPackage, []types.InviteeFailure) {
	events, err := s.transport.QuerySync(ctx, relays, transport.KeyPackageFilter(pubkeys))
	if err != nil {
		s.logger.Warn("key package query failed", "error", err)
	}

	newest := make(map[string]*nostr.Event, len(pubkeys))
	for _, evt := range events {
		if cur, ok := newest[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
			newest[evt.PubKey] = evt
		}
	}

	var (
		invitees   []mls.KeyPackage
		unresolved []types.InviteeFailure
	)
	for _, pk := range pubkeys {
		evt, ok := newest[pk]
		if !ok {
			unresolved = append(unresolved, types.InviteeFailure{
				PubKey: pk,
				Stage:  types.StageResolve,
				Err:    fmt.Errorf("no key package found for %s", pk),
			})
			continue
		}
		invitees = append(invitees, mls.KeyPackage{PubKey: pk, Event: evt})
	}
	return invitees, unresolved
}

func (s *GroupService) RemoveMembers(ctx context.Context, id types.GroupID, pubkeys []string) (*types.EvolutionResult, error) {
	return s.coordinator.Remove(ctx, id, pubkeys)
}

func (s *GroupService) LeaveGroup(ctx context.Context, id types.GroupID) error {
	group, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}

	payload, err := s.engine.LeaveGroup(ctx, id)
	if err != nil {
		return fmt.Errorf("create leave: %w", err)
	}
	if err := s.publisher.Publish(ctx, group.Relays, payload); err != nil {
		s.logger.Warn("leave publish failed, queued", "group", id, "error", err)
	}
	return s.store.SetGroupState(ctx, id, types.GroupStateInactive)
}

func (s *GroupService) SendMessage(ctx context.Context, id types.GroupID, content string) (*nostr.Event, error) {
	inner := &nostr.Event{
		PubKey:    s.pubKey,
		Kind:      types.KindChatMessage,
		CreatedAt: nostr.Now(),
		Content:   content,
	}
	inner.ID = inner.GetID()
	return s.sendInner(ctx, id, inner)
}

func (s *GroupService) SendReaction(ctx context.Context, id types.GroupID, targetID, content string) (*nostr.Event, error) {
	inner := &nostr.Event{
		PubKey:    s.pubKey,
		Kind:      types.KindReaction,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"e", targetID}},
		Content:   content,
	}
	inner.ID = inner.GetID()
	return s.sendInner(ctx, id, inner)
}

// sendInner encrypts and publishes an inner event. The inner event comes
// back even on publish failure: display is optimistic and the outbox owns
// the retry, so the error is retroactive rather than blocking.
func (s *GroupService) sendInner(ctx context.Context, id types.GroupID, inner *nostr.Event) (*nostr.Event, error) {
	group, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	if group.State != types.GroupStateActive {
		return nil, types.ErrGroupInactive
	}

	wire, err := s.engine.CreateMessage(ctx, id, inner)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	if err := s.publisher.Publish(ctx, group.Relays, wire); err != nil {
		return inner, err
	}
	return inner, nil
}

// Run wires the inbound side together and blocks until ctx is done: the
// router refreshes local state through this service, the pump feeds it from
// a subscription covering every active group, and the outbox drain runs in
// the background when the publisher carries one. Call at most once.
func (s *GroupService) Run(ctx context.Context) error {
	rt, err := router.New(router.Config{Refresher: s, Logger: s.logger})
	if err != nil {
		return err
	}
	pump, err := router.NewPump(router.PumpConfig{
		Transport: s.transport,
		Engine:    s.engine,
		Router:    rt,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}

	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	var (
		nids   []types.NostrGroupID
		relays []string
		seen   = make(map[string]bool)
	)
	for _, g := range groups {
		if g.State != types.GroupStateActive {
			continue
		}
		nids = append(nids, g.NostrID)
		for _, url := range g.Relays {
			if !seen[url] {
				seen[url] = true
				relays = append(relays, url)
			}
		}
	}
	if len(nids) == 0 {
		return fmt.Errorf("no active groups to subscribe to")
	}

	if drainer, ok := s.publisher.(interface{ Run(context.Context) }); ok {
		go drainer.Run(ctx)
	}

	since := nostr.Now()
	return pump.Run(ctx, relays, nostr.Filters{transport.GroupFilter(nids, &since)})
}

func (s *GroupService) RefreshGroup(ctx context.Context, id types.GroupID) error {
	state, err := s.engine.GroupState(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch group state: %w", err)
	}

	// Departure shows up as the local member missing from the roster.
	member := false
	for _, m := range state.Members {
		if m.PubKey == s.pubKey {
			member = true
			break
		}
	}
	if !member && state.Group.State == types.GroupStateActive {
		state.Group.State = types.GroupStateInactive
	}

	return s.persist(ctx, state)
}

func (s *GroupService) Groups(ctx context.Context) ([]*types.Group, error) {
	return s.store.ListGroups(ctx)
}

func (s *GroupService) Members(ctx context.Context, id types.GroupID) ([]types.Member, error) {
	return s.store.ListMembers(ctx, id)
}

func (s *GroupService) persist(ctx context.Context, state *mls.GroupState) error {
	if err := s.store.PutGroup(ctx, &state.Group); err != nil {
		return err
	}
	return s.store.ReplaceMembers(ctx, state.Group.ID, state.Members)
}

var _ Service = (*GroupService)(nil)
