package group_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/marmot/internal/storage/sqlite"
	"github.com/relves/marmot/internal/transport/transporttest"
	"github.com/relves/marmot/pkg/group"
	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/mls/mlstest"
	"github.com/relves/marmot/pkg/types"
)

type fixture struct {
	engine    *mlstest.Engine
	transport *transporttest.Transport
	store     *sqlite.Store
	svc       *group.GroupService
	secretKey string
	pubKey    string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "service-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.Open(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng := mlstest.New()
	tr := transporttest.New()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	svc, err := group.NewService(group.ServiceConfig{
		Engine:    eng,
		Transport: tr,
		Publisher: tr,
		Store:     store,
		SecretKey: sk,
	})
	require.NoError(t, err)

	return &fixture{engine: eng, transport: tr, store: store, svc: svc, secretKey: sk, pubKey: pk}
}

func (f *fixture) seed(t *testing.T, id types.GroupID, epoch uint64, members ...types.Member) {
	t.Helper()
	ctx := context.Background()
	state := f.engine.Seed(id, epoch, members...)
	require.NoError(t, f.store.PutGroup(ctx, &state.Group))
	require.NoError(t, f.store.ReplaceMembers(ctx, id, members))
}

func newPubkey(t *testing.T) string {
	t.Helper()
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)
	return pk
}

func keyPackageEvent(pk string, at nostr.Timestamp) *nostr.Event {
	return &nostr.Event{Kind: types.KindKeyPackage, PubKey: pk, CreatedAt: at}
}

func TestService_Evolve_ResolvesKeyPackagesBestEffort(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4)

	inv1, inv2, inv3 := newPubkey(t), newPubkey(t), newPubkey(t)

	// Key packages discoverable for #1 and #3 only.
	f.transport.QueryFn = func(filter nostr.Filter) ([]*nostr.Event, error) {
		return []*nostr.Event{
			keyPackageEvent(inv1, 10),
			keyPackageEvent(inv1, 20),
			keyPackageEvent(inv3, 5),
		}, nil
	}

	result, err := f.svc.Evolve(context.Background(), "g1", []string{inv1, inv2, inv3})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{inv1, inv3}, result.Welcomed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, inv2, result.Failed[0].PubKey)
	assert.Equal(t, types.StageResolve, result.Failed[0].Stage,
		"one invitee's missing key material must not block the others")
}

func TestService_Evolve_NoKeyPackagesAnywhere(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4)

	_, err := f.svc.Evolve(context.Background(), "g1", []string{newPubkey(t)})
	require.ErrorIs(t, err, types.ErrNoResolvableInvitees)
	assert.Empty(t, f.transport.PublishedEvents(), "no commit for zero resolved invitees")
}

func TestService_Evolve_EmptyInvitees(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4)

	_, err := f.svc.Evolve(context.Background(), "g1", nil)
	require.ErrorIs(t, err, types.ErrNoResolvableInvitees)
}

func TestService_CreateGroup(t *testing.T) {
	f := setup(t)

	created, err := f.svc.CreateGroup(context.Background(), mls.GroupConfig{
		Name:   "ops",
		Admins: []string{f.pubKey},
		Relays: []string{"wss://relay.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.GroupStatePending, created.State)

	stored, err := f.store.GetGroup(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", stored.Name)
}

func TestService_SendMessage_Optimistic(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})

	msg, err := f.svc.SendMessage(context.Background(), "g1", "hello")
	require.NoError(t, err)
	assert.Equal(t, types.KindChatMessage, msg.Kind)
	assert.Equal(t, f.pubKey, msg.PubKey)
	assert.Len(t, f.transport.PublishedOfKind(types.KindGroupMessage), 1)
}

func TestService_SendMessage_PublishFailureIsRetroactive(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})

	f.transport.PublishFn = func(evt *nostr.Event) error { return errors.New("relay down") }

	msg, err := f.svc.SendMessage(context.Background(), "g1", "hello")
	require.Error(t, err)
	require.NotNil(t, msg, "inner event still returned for optimistic display")
	assert.Equal(t, "hello", msg.Content)
}

func TestService_SendMessage_InactiveGroup(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4)
	require.NoError(t, f.store.SetGroupState(context.Background(), "g1", types.GroupStateInactive))

	_, err := f.svc.SendMessage(context.Background(), "g1", "hello")
	require.ErrorIs(t, err, types.ErrGroupInactive)
}

func TestService_SendReaction(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})

	target := newPubkey(t) // any 64-hex id
	msg, err := f.svc.SendReaction(context.Background(), "g1", target, "+")
	require.NoError(t, err)
	assert.Equal(t, types.KindReaction, msg.Kind)

	tag := msg.Tags.GetFirst([]string{"e"})
	require.NotNil(t, tag)
	assert.Equal(t, target, tag.Value())
}

func TestService_RefreshGroup_PersistsEngineState(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})

	// The engine has advanced past the local store (a commit arrived).
	other := newPubkey(t)
	f.engine.Seed("g1", 6,
		types.Member{PubKey: f.pubKey},
		types.Member{PubKey: other},
	)

	require.NoError(t, f.svc.RefreshGroup(context.Background(), "g1"))

	stored, err := f.store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), stored.Epoch)

	members, err := f.store.ListMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestService_RefreshGroup_DetectsOwnRemoval(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})

	// Engine state no longer lists the local member.
	f.engine.Seed("g1", 5, types.Member{PubKey: newPubkey(t)})

	require.NoError(t, f.svc.RefreshGroup(context.Background(), "g1"))

	stored, err := f.store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupStateInactive, stored.State)
}

func TestService_LeaveGroup(t *testing.T) {
	f := setup(t)
	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})

	require.NoError(t, f.svc.LeaveGroup(context.Background(), "g1"))

	stored, err := f.store.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, types.GroupStateInactive, stored.State)
	assert.Len(t, f.transport.PublishedOfKind(types.KindGroupMessage), 1)
}

func TestService_Run_CommitRefreshesGroupState(t *testing.T) {
	f := setup(t)
	state := f.engine.Seed("g1", 4, types.Member{PubKey: f.pubKey})
	require.NoError(t, f.store.PutGroup(context.Background(), &state.Group))
	require.NoError(t, f.store.ReplaceMembers(context.Background(), "g1", state.Members))

	f.engine.DecryptFn = func(ctx context.Context, raw *nostr.Event) (*mls.Notification, error) {
		return &mls.Notification{Type: mls.NotificationCommit, GroupID: "g1"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	// The engine's view advances with the remote commit; the inbound loop
	// must pull the new epoch into the local store.
	state.Group.Epoch = 5

	commit := &nostr.Event{Kind: types.KindGroupMessage, CreatedAt: nostr.Now(), Content: "remote-commit"}
	commit.ID = commit.GetID()
	f.transport.Stream <- commit

	require.Eventually(t, func() bool {
		g, err := f.store.GetGroup(context.Background(), "g1")
		return err == nil && g.Epoch == 5
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestService_Run_NoActiveGroups(t *testing.T) {
	f := setup(t)

	err := f.svc.Run(context.Background())
	require.Error(t, err)

	f.seed(t, "g1", 4, types.Member{PubKey: f.pubKey})
	require.NoError(t, f.store.SetGroupState(context.Background(), "g1", types.GroupStateInactive))

	err = f.svc.Run(context.Background())
	require.Error(t, err, "inactive groups are not subscribed")
}
