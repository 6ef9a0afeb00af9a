package inproc

import (
	"context"
	"log/slog"

	"github.com/kirillkom/scanmate-sync/internal/core/domain"
)

// Bus delivers sync triggers inside the process when no broker is configured.
// Triggers are coalesced: while one is undelivered, later ones are dropped.
type Bus struct {
	triggers chan string
	log      *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{triggers: make(chan string, 1), log: logger}
}

func (b *Bus) Trigger(_ context.Context, reason string) error {
	select {
	case b.triggers <- reason:
	default:
	}
	return nil
}

func (b *Bus) SubscribeTriggers(ctx context.Context, handler func(context.Context, string) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-b.triggers:
			if err := handler(ctx, reason); err != nil {
				b.log.Warn("sync_trigger_handler_failed", "reason", reason, "error", err)
			}
		}
	}
}

// PublishDocumentEvent only logs; there are no other consumers in-process.
func (b *Bus) PublishDocumentEvent(_ context.Context, event domain.DocumentEvent) error {
	b.log.Debug("document_event",
		"type", event.Type,
		"document_id", event.DocumentID,
		"status", event.Status,
	)
	return nil
}
