package supervisor

import (
	"context"
	"log/slog"

	"cargochats/pkg/bus"
)

// ObserveEvents traces every supervisor event at debug level until ctx ends or
// the bus closes. The components publishing an event already log it at its
// own level.
func ObserveEvents(ctx context.Context, events *bus.EventBus, log *slog.Logger) {
	if events == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "supervisor.events")

	ch, unsubscribe := events.Subscribe(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"event_id", event.ID,
		"account_id", event.AccountID,
		"tenant_id", event.TenantID,
	}
	if event.ChatID != 0 {
		attrs = append(attrs, "chat_id", event.ChatID, "message_id", event.MessageID)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	log.Debug("Supervisor event", attrs...)
}
