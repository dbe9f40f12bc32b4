package transport

import (
	"context"
	"time"
)

// Fabric is an asynchronous messaging backend. Send delivers to every
// subscriber of the message's channel.
type Fabric interface {
	Name() string
	Send(ctx context.Context, m *Message) error
	Subscribe(ctx context.Context, channelID string) (Receiver, error)
	Close() error
}

// Receiver pulls batches for one channel subscription.
type Receiver interface {
	// ReceiveBatch waits up to wait for at least one message and returns at most max.
	// An empty batch with a nil error means nothing arrived.
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]*Message, error)
	Close() error
}

// Reinitializer is implemented by fabrics that can rebuild their client
// after a connection-level fault.
type Reinitializer interface {
	Reinitialize(ctx context.Context) error
}
