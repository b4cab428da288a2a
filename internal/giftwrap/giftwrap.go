// Package giftwrap builds and opens ephemeral-keyed outer envelopes. The
// outer event is signed with a fresh single-use key on every call, so it
// cannot be linked to the sender's long-term identity or to other envelopes
// from the same sender.
package giftwrap

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/relves/marmot/pkg/types"
)

// Envelopes are backdated by a random offset within this window so
// timestamps cannot be correlated across a batch of welcomes.
const maxBackdate = 2 * 24 * time.Hour

// Wrap encrypts payload to recipientPub and returns the signed outer
// envelope. The signing key is generated here, used once, and discarded
// with the stack frame. No state is touched beyond consuming entropy.
func Wrap(payload *nostr.Event, recipientPub string) (*nostr.Event, error) {
	if !nostr.IsValid32ByteHex(recipientPub) {
		return nil, fmt.Errorf("invalid recipient pubkey %q", recipientPub)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	sk := nostr.GeneratePrivateKey()
	conversationKey, err := nip44.GenerateConversationKey(recipientPub, sk)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(string(plaintext), conversationKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	wrap := &nostr.Event{
		Kind:      types.KindGiftWrap,
		CreatedAt: backdated(),
		Tags:      nostr.Tags{{"p", recipientPub}},
		Content:   ciphertext,
	}
	if err := wrap.Sign(sk); err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	return wrap, nil
}

// Unwrap opens an envelope addressed to the holder of recipientSecret and
// returns the inner payload event.
func Unwrap(wrap *nostr.Event, recipientSecret string) (*nostr.Event, error) {
	if wrap.Kind != types.KindGiftWrap {
		return nil, fmt.Errorf("%w: kind %d is not a gift wrap", types.ErrMalformedEvent, wrap.Kind)
	}

	conversationKey, err := nip44.GenerateConversationKey(wrap.PubKey, recipientSecret)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	plaintext, err := nip44.Decrypt(wrap.Content, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}

	var payload nostr.Event
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
	}
	return &payload, nil
}

func backdated() nostr.Timestamp {
	offset := rand.Int64N(int64(maxBackdate / time.Second))
	return nostr.Timestamp(time.Now().Unix() - offset)
}
