package channel

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const redisChannelTimeout = 5 * time.Second

// envelope wraps a payload with the publishing endpoint's origin id.
// Brokers echo every message to every subscriber, including the publisher,
// so the id is what restores the never-hear-yourself broadcast semantics.
type envelope struct {
	Origin string `json:"o"`
	Data   []byte `json:"d"`
}

// RedisChannel implements Channel over a single Redis Pub/Sub channel.
type RedisChannel struct {
	client *redis.Client
	name   string
	origin string

	mu     sync.Mutex
	pubsub *redis.PubSub
	subs   []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisChannel returns an endpoint broadcasting on the named Redis
// Pub/Sub channel.
func NewRedisChannel(client *redis.Client, name string) *RedisChannel {
	return &RedisChannel{
		client: client,
		name:   name,
		origin: uuid.NewString(),
	}
}

// Publish implements Channel.Publish.
func (c *RedisChannel) Publish(ctx context.Context, data []byte) error {
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
	cctx, cancel := context.WithTimeout(ctx, redisChannelTimeout)
	defer cancel()
	if err := c.client.Publish(cctx, c.name, payload).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return wardenerrors.ErrConnectionClosed
		}
		return err
	}
	c.published.Add(1)
	return nil
}

// Subscribe implements Channel.Subscribe.
func (c *RedisChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, wardenerrors.ErrChannelClosed
	}
	if c.pubsub == nil {
		ps := c.client.Subscribe(ctx, c.name)
		if _, err := ps.Receive(ctx); err != nil {
			c.mu.Unlock()
			_ = ps.Close()
			if stdErrors.Is(err, redis.ErrClosed) {
				return nil, wardenerrors.ErrConnectionClosed
			}
			return nil, err
		}
		c.pubsub = ps
		go c.dispatch(ps)
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
func (c *RedisChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == ch {
			c.subs[i] = c.subs[len(c.subs)-1]
			c.subs = c.subs[:len(c.subs)-1]
			close(s)
			break
		}
	}
	if len(c.subs) == 0 && c.pubsub != nil {
		ps := c.pubsub
		c.pubsub = nil
		c.mu.Unlock()
		return ps.Close()
	}
	c.mu.Unlock()
	return nil
}

// Close implements Channel.Close. The Redis client is owned by the caller
// and stays open.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	ps := c.pubsub
	c.pubsub = nil
	c.mu.Unlock()

	for _, s := range subs {
		close(s)
	}
	if ps != nil {
		return ps.Close()
	}
	return nil
}

func (c *RedisChannel) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() { // Loop terminates when channel is closed
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		if env.Origin == c.origin {
			continue
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
	}
}

// Metrics returns the published and delivered counts.
func (c *RedisChannel) Metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}
