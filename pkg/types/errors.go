package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoResolvableInvitees means an evolution request could not resolve
	// key material for any invitee. No network or state side effects were
	// performed; the caller should re-fetch key packages and retry.
	ErrNoResolvableInvitees = errors.New("no resolvable invitees")

	// ErrMissingRecipientTag means a welcome rumor carried no usable
	// recipient tag. The rumor is skipped; the batch continues.
	ErrMissingRecipientTag = errors.New("welcome rumor missing recipient tag")

	// ErrMalformedEvent means an inbound event failed tag validation and
	// was dropped.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrGroupInactive means the operation targets a group the local member
	// no longer participates in.
	ErrGroupInactive = errors.New("group is not active")
)

// PublishError aggregates per-relay failures for a single publish call.
// Publish succeeds when at least one relay accepts, so a PublishError means
// every relay in the set failed.
type PublishError struct {
	Relays map[string]error
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Relays))
	for url, err := range e.Relays {
		parts = append(parts, fmt.Sprintf("%s: %v", url, err))
	}
	return "publish failed on all relays: " + strings.Join(parts, "; ")
}
