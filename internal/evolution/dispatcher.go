package evolution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/relves/marmot/internal/giftwrap"
	"github.com/relves/marmot/pkg/types"
)

// Publisher is the outbox-backed publish surface the evolution path writes
// to. Satisfied by *transport.Outbox.
type Publisher interface {
	Publish(ctx context.Context, relays []string, evt *nostr.Event) error
}

// Outcome reports one welcome dispatch. Stage is set to the pipeline stage
// that failed; it is empty on success.
type Outcome struct {
	Recipient string
	Stage     types.InviteeStage
	Err       error
}

// Dispatcher delivers welcome rumors: read the recipient tag, gift-wrap,
// publish. Each rumor is independent; one failure never rolls back others.
type Dispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewDispatcher creates a welcome dispatcher.
func NewDispatcher(publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{publisher: publisher, logger: logger}
}

// Dispatch wraps one rumor for its tagged recipient and publishes the
// envelope to the group's relay set.
func (d *Dispatcher) Dispatch(ctx context.Context, relays []string, rumor *nostr.Event) Outcome {
	recipient, err := types.RecipientTag(rumor)
	if err != nil {
		d.logger.Warn("skipping welcome without recipient tag", "error", err)
		return Outcome{Stage: types.StageResolve, Err: err}
	}

	wrap, err := giftwrap.Wrap(rumor, recipient)
	if err != nil {
		return Outcome{Recipient: recipient, Stage: types.StageWrap, Err: fmt.Errorf("wrap welcome: %w", err)}
	}

	if err := d.publisher.Publish(ctx, relays, wrap); err != nil {
		return Outcome{Recipient: recipient, Stage: types.StagePublish, Err: fmt.Errorf("publish welcome: %w", err)}
	}
	return Outcome{Recipient: recipient}
}
