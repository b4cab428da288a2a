package router_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/marmot/internal/router"
	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/types"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls map[types.GroupID]int
	err   error
}

func newRefresher() *countingRefresher {
	return &countingRefresher{calls: make(map[types.GroupID]int)}
}

func (r *countingRefresher) RefreshGroup(ctx context.Context, id types.GroupID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
	return r.err
}

func (r *countingRefresher) count(id types.GroupID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func newRouter(t *testing.T, ref router.Refresher) *router.Router {
	t.Helper()
	r, err := router.New(router.Config{Refresher: ref})
	require.NoError(t, err)
	return r
}

func chatMessage(content string) *nostr.Event {
	return &nostr.Event{Kind: types.KindChatMessage, CreatedAt: nostr.Now(), Content: content}
}

func TestRouter_ProposalTriggersSingleRefresh(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)
	sub := r.Subscribe("g1")

	err := r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationProposal,
		GroupID: "g1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, ref.count("g1"))
	assert.Empty(t, sub, "proposals forward no application content")
}

func TestRouter_CommitTriggersRefresh(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)

	err := r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationCommit,
		GroupID: "g1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ref.count("g1"))
}

func TestRouter_MessageForwarded(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)
	sub := r.Subscribe("g1")

	msg := chatMessage("hello")
	err := r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationMessage,
		GroupID: "g1",
		Message: msg,
	})
	require.NoError(t, err)

	ev := <-sub
	assert.Equal(t, mls.NotificationMessage, ev.Type)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, 0, ref.count("g1"), "messages trigger no refresh")
}

func TestRouter_ReactionKeyedByTarget(t *testing.T) {
	target := strings.Repeat("ab", 32)

	ref := newRefresher()
	r := newRouter(t, ref)
	sub := r.Subscribe("g1")

	err := r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationMessage,
		GroupID: "g1",
		Message: &nostr.Event{
			Kind:    types.KindReaction,
			Tags:    nostr.Tags{{"e", target}},
			Content: "+",
		},
	})
	require.NoError(t, err)

	ev := <-sub
	assert.Equal(t, mls.NotificationReaction, ev.Type)
	assert.Equal(t, target, ev.TargetID)
}

func TestRouter_ReactionWithoutTargetDropped(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)
	sub := r.Subscribe("g1")

	err := r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationMessage,
		GroupID: "g1",
		Message: &nostr.Event{Kind: types.KindReaction, Content: "+"},
	})
	require.ErrorIs(t, err, types.ErrMalformedEvent)
	assert.Empty(t, sub)
}

func TestRouter_MalformedNotificationDropped(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)

	err := r.Dispatch(context.Background(), nil)
	require.ErrorIs(t, err, types.ErrMalformedEvent)

	err = r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationMessage,
		GroupID: "g1",
	})
	require.ErrorIs(t, err, types.ErrMalformedEvent)
}

func TestRouter_PerGroupOrderPreserved(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)
	sub := r.Subscribe("g1")

	for i := 0; i < 5; i++ {
		err := r.Dispatch(context.Background(), &mls.Notification{
			Type:    mls.NotificationMessage,
			GroupID: "g1",
			Message: chatMessage(fmt.Sprintf("msg-%d", i)),
		})
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		ev := <-sub
		assert.Equal(t, fmt.Sprintf("msg-%d", i), ev.Message.Content)
	}
}

func TestRouter_DispatchRacingUnsubscribe(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)

	// A group being left while its traffic is still in flight must not
	// crash the dispatching goroutine.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = r.Dispatch(context.Background(), &mls.Notification{
				Type:    mls.NotificationMessage,
				GroupID: "g1",
				Message: chatMessage("in flight"),
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.Subscribe("g1")
			r.Unsubscribe("g1")
		}
	}()
	wg.Wait()
}

func TestRouter_NoSubscriberIsNotAnError(t *testing.T) {
	ref := newRefresher()
	r := newRouter(t, ref)

	err := r.Dispatch(context.Background(), &mls.Notification{
		Type:    mls.NotificationMessage,
		GroupID: "nobody-listening",
		Message: chatMessage("void"),
	})
	require.NoError(t, err)
}
