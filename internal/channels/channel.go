package channels

import (
	"context"
	"time"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Notification is one outbound message to the owner.
type Notification struct {
	// Target identifies the destination chat on the platform.
	Target string
	Text   string
	// DeepLink, when set, is attached as a jump-to-source link.
	DeepLink string
}

// Notifier delivers outbound notifications. Implementations must return a
// non-nil error when delivery is not confirmed; callers rely on that to
// decide whether to mark send-once state.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Inbound is one message received from the platform, as handed to the
// ingestion pipeline.
type Inbound struct {
	ChatID     int64
	MsgID      int64
	ChatTitle  string
	SenderID   int64
	SenderName string
	Text       string
	Timestamp  time.Time
}

// InboundHandler consumes received messages. Handlers must not block the
// receive loop for long; slow work belongs behind the store.
type InboundHandler func(ctx context.Context, msg Inbound)
