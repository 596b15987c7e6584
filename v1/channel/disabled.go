package channel

import (
	"context"
	"sync"
)

// Disabled is the no-op Channel used when no broadcast transport is
// available. Publishing succeeds silently and subscribers never receive a
// message, which turns the presence probe off without touching the rest of
// the protocol.
type Disabled struct {
	mu   sync.Mutex
	subs []chan Message
}

// NewDisabled returns a new no-op channel.
func NewDisabled() *Disabled {
	return &Disabled{}
}

// Publish implements Channel.Publish. The message goes nowhere.
func (d *Disabled) Publish(ctx context.Context, data []byte) error {
	return nil
}

// Subscribe implements Channel.Subscribe. The returned channel never
// delivers but still closes on Unsubscribe, context cancellation or Close.
func (d *Disabled) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = d.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Channel.Unsubscribe.
func (d *Disabled) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	d.mu.Lock()
	for i, s := range d.subs {
		if s == ch {
			d.subs[i] = d.subs[len(d.subs)-1]
			d.subs = d.subs[:len(d.subs)-1]
			close(s)
			break
		}
	}
	d.mu.Unlock()
	return nil
}

// Close implements Channel.Close.
func (d *Disabled) Close() error {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, s := range subs {
		close(s)
	}
	return nil
}
