package channel

import (
	"context"
	"sync"
	"sync/atomic"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// MemoryHub connects MemoryChannel endpoints in process, standing in for an
// origin-scoped broadcast during tests and standalone runs. Every simulated
// context joins the hub once; a message published through one endpoint
// reaches the subscribers of every other endpoint but never loops back to
// the publisher.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints []*MemoryChannel
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Join attaches a new endpoint to the hub.
func (h *MemoryHub) Join() *MemoryChannel {
	ep := &MemoryChannel{hub: h}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()
	return ep
}

func (h *MemoryHub) broadcast(from *MemoryChannel, data []byte) {
	h.mu.Lock()
	endpoints := append([]*MemoryChannel(nil), h.endpoints...)
	h.mu.Unlock()
	for _, ep := range endpoints {
		if ep != from {
			ep.deliver(data)
		}
	}
}

func (h *MemoryHub) drop(ep *MemoryChannel) {
	h.mu.Lock()
	for i, e := range h.endpoints {
		if e == ep {
			h.endpoints[i] = h.endpoints[len(h.endpoints)-1]
			h.endpoints = h.endpoints[:len(h.endpoints)-1]
			break
		}
	}
	h.mu.Unlock()
}

// MemoryChannel is one endpoint of a MemoryHub and implements Channel.
type MemoryChannel struct {
	hub *MemoryHub

	mu     sync.Mutex
	subs   []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// Publish implements Channel.Publish.
func (c *MemoryChannel) Publish(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wardenerrors.ErrChannelClosed
	}
	c.mu.Unlock()
	c.hub.broadcast(c, data)
	c.published.Add(1)
	return nil
}

// Subscribe implements Channel.Subscribe.
func (c *MemoryChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, wardenerrors.ErrChannelClosed
	}
	ch := make(chan Message, 16)
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = c.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Channel.Unsubscribe.
func (c *MemoryChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == ch {
			c.subs[i] = c.subs[len(c.subs)-1]
			c.subs = c.subs[:len(c.subs)-1]
			close(s)
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// Close implements Channel.Close. It detaches the endpoint from the hub and
// closes every subscriber channel. Close is idempotent.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.hub.drop(c)
	for _, s := range subs {
		close(s)
	}
	return nil
}

func (c *MemoryChannel) deliver(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	subs := append([]chan Message(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		select {
		case s <- Message{Data: data}:
			c.delivered.Add(1)
		default:
		}
	}
}

// Metrics returns the published and delivered counts.
func (c *MemoryChannel) Metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}
