package types

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used by the group messaging protocol. Only the recipient tag
// on welcome rumors and the group tag on group traffic are interpreted by
// this module; payload contents stay opaque to everything but the engine.
const (
	KindKeyPackage   = 443  // published key-exchange material per identity
	KindWelcome      = 444  // unsigned welcome rumor, gift-wrapped per invitee
	KindGroupMessage = 445  // encrypted group payload (messages and commits)
	KindGiftWrap     = 1059 // ephemeral-keyed outer envelope
	KindChatMessage  = 9    // decrypted inner application message
	KindReaction     = 7    // decrypted inner reaction
)

// RecipientTag returns the single intended-recipient pubkey tagged on a
// welcome rumor ("p" tag). It validates the pubkey shape so malformed tags
// fail here rather than deep in dispatch.
func RecipientTag(evt *nostr.Event) (string, error) {
	tag := evt.Tags.GetFirst([]string{"p"})
	if tag == nil {
		return "", ErrMissingRecipientTag
	}
	pk := tag.Value()
	if !nostr.IsValid32ByteHex(pk) {
		return "", fmt.Errorf("%w: invalid pubkey %q", ErrMissingRecipientTag, pk)
	}
	return pk, nil
}

// GroupTag returns the network-visible group id ("h" tag) on a group event.
func GroupTag(evt *nostr.Event) (NostrGroupID, error) {
	tag := evt.Tags.GetFirst([]string{"h"})
	if tag == nil || tag.Value() == "" {
		return "", fmt.Errorf("%w: missing group tag", ErrMalformedEvent)
	}
	return NostrGroupID(tag.Value()), nil
}

// ReactionTarget returns the id of the message a reaction refers to
// ("e" tag on the decrypted inner event).
func ReactionTarget(evt *nostr.Event) (string, error) {
	tag := evt.Tags.GetFirst([]string{"e"})
	if tag == nil {
		return "", fmt.Errorf("%w: reaction without target", ErrMalformedEvent)
	}
	id := tag.Value()
	if !nostr.IsValid32ByteHex(id) {
		return "", fmt.Errorf("%w: invalid reaction target %q", ErrMalformedEvent, id)
	}
	return id, nil
}
