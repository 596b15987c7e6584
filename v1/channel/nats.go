package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// NATSChannel implements Channel over a NATS subject.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	origin  string

	mu     sync.Mutex
	sub    *nats.Subscription
	subs   []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSChannel returns an endpoint broadcasting on the given subject. The
// connection is owned by the caller.
func NewNATSChannel(conn *nats.Conn, subject string) *NATSChannel {
	return &NATSChannel{
		conn:    conn,
		subject: subject,
		origin:  nats.NewInbox(),
	}
}

// Publish implements Channel.Publish.
func (c *NATSChannel) Publish(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wardenerrors.ErrChannelClosed
	}
	c.mu.Unlock()

	payload, err := json.Marshal(envelope{Origin: c.origin, Data: data})
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.subject, payload); err != nil {
		if err == nats.ErrConnectionClosed {
			return wardenerrors.ErrConnectionClosed
		}
		return err
	}
	c.published.Add(1)
	return nil
}

// Subscribe implements Channel.Subscribe.
func (c *NATSChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, wardenerrors.ErrChannelClosed
	}
	if c.sub == nil {
		ns, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				return
			}
			if env.Origin == c.origin {
				return
			}
			c.mu.Lock()
			subs := append([]chan Message(nil), c.subs...)
			c.mu.Unlock()
			for _, s := range subs {
				select {
				case s <- Message{Data: env.Data}:
					c.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.sub = ns
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
func (c *NATSChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == ch {
			c.subs[i] = c.subs[len(c.subs)-1]
			c.subs = c.subs[:len(c.subs)-1]
			close(s)
			break
		}
	}
	if len(c.subs) == 0 && c.sub != nil {
		ns := c.sub
		c.sub = nil
		c.mu.Unlock()
		return ns.Unsubscribe()
	}
	c.mu.Unlock()
	return nil
}

// Close implements Channel.Close. The NATS connection is owned by the
// caller and stays open.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	ns := c.sub
	c.sub = nil
	c.mu.Unlock()

	for _, s := range subs {
		close(s)
	}
	if ns != nil {
		return ns.Unsubscribe()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (c *NATSChannel) Metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}
