package channel

import "context"

// Message is a single broadcast payload as delivered to a subscriber.
type Message struct {
	Data []byte
}

// Channel is the best-effort broadcast shared by every context of the same
// origin, used by warden for presence probing. Publishing is fire and
// forget: delivery is not guaranteed, ordering across endpoints is not
// guaranteed, and an endpoint never receives its own messages.
type Channel interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context) (<-chan Message, error)
	Unsubscribe(ctx context.Context, ch <-chan Message) error
	Close() error
}

// Metrics reports how many messages an endpoint published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}
