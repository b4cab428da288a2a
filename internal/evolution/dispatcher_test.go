package evolution_test

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/marmot/internal/evolution"
	"github.com/relves/marmot/internal/transport/transporttest"
	"github.com/relves/marmot/pkg/types"
)

func TestDispatcher_MissingRecipientTagSkips(t *testing.T) {
	tr := transporttest.New()
	d := evolution.NewDispatcher(tr, nil)

	rumor := &nostr.Event{Kind: types.KindWelcome, Content: "welcome"}
	outcome := d.Dispatch(context.Background(), []string{"wss://a"}, rumor)

	require.ErrorIs(t, outcome.Err, types.ErrMissingRecipientTag)
	assert.Equal(t, types.StageResolve, outcome.Stage)
	assert.Empty(t, tr.PublishedEvents(), "nothing published for a rumor without recipient")
}

func TestDispatcher_MalformedRecipientTagSkips(t *testing.T) {
	tr := transporttest.New()
	d := evolution.NewDispatcher(tr, nil)

	rumor := &nostr.Event{
		Kind: types.KindWelcome,
		Tags: nostr.Tags{{"p", "not-a-pubkey"}},
	}
	outcome := d.Dispatch(context.Background(), []string{"wss://a"}, rumor)

	require.ErrorIs(t, outcome.Err, types.ErrMissingRecipientTag)
	assert.Empty(t, tr.PublishedEvents())
}

func TestDispatcher_WrapsAndPublishes(t *testing.T) {
	pk, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	tr := transporttest.New()
	d := evolution.NewDispatcher(tr, nil)

	rumor := &nostr.Event{
		Kind:    types.KindWelcome,
		Tags:    nostr.Tags{{"p", pk}},
		Content: "welcome",
	}
	outcome := d.Dispatch(context.Background(), []string{"wss://a"}, rumor)

	require.NoError(t, outcome.Err)
	assert.Equal(t, pk, outcome.Recipient)

	wraps := tr.WrapsFor(pk)
	require.Len(t, wraps, 1)
	assert.Equal(t, types.KindGiftWrap, wraps[0].Kind)
}
