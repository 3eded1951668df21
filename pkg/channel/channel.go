package channel

import (
	"context"
	"errors"

	"cargochats/pkg/account"
	"cargochats/pkg/bus"
)

// ErrNotConnected is returned by operations on a connection that is not open.
var ErrNotConnected = errors.New("connection is not open")

// InboundHandler receives one inbound message. It must return quickly.
type InboundHandler func(bus.InboundMessage)

// Connection is one live, stateful link to the external messaging network for
// a single account.
type Connection interface {
	// Connect opens and authenticates the connection.
	Connect(ctx context.Context) error
	// Run delivers inbound events to the subscribed handler until ctx is
	// cancelled (nil) or the link fails (non-nil).
	Run(ctx context.Context) error
	// Disconnect closes the link. It is idempotent.
	Disconnect(ctx context.Context) error
	// Subscribe installs the inbound handler. Call before Run.
	Subscribe(handler InboundHandler)
	Send(ctx context.Context, chatID int64, text string) error
	// MarkRead acknowledges a message as read. Best-effort.
	MarkRead(ctx context.Context, chatID, messageID int64) error
	// SetComposing shows a typing indicator until the returned func is called.
	// Best-effort.
	SetComposing(ctx context.Context, chatID int64) (cancel func())
}

// Provider opens connections for accounts.
type Provider interface {
	Name() string
	Open(cfg account.Config) (Connection, error)
}
