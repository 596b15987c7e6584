package channel

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

var upgrader = websocket.Upgrader{
	// The relay fans out opaque frames between cooperating endpoints; origin
	// checking is left to whatever fronts it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay is an http.Handler that bridges WSChannel endpoints. Every frame
// received from one connection is forwarded to all the others, never back
// to the sender, so connected endpoints behave like handles of one
// origin-scoped broadcast.
type Relay struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan []byte
}

// NewRelay returns an empty relay.
func NewRelay() *Relay {
	return &Relay{conns: make(map[*websocket.Conn]chan []byte)}
}

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	send := make(chan []byte, 16)
	r.mu.Lock()
	r.conns[conn] = send
	r.mu.Unlock()

	// Writes are funneled through a single goroutine per connection.
	go func() {
		for data := range send {
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		r.fanout(conn, data)
	}

	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	close(send)
	_ = conn.Close()
}

func (r *Relay) fanout(from *websocket.Conn, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn, send := range r.conns {
		if conn == from {
			continue
		}
		select {
		case send <- data:
		default:
		}
	}
}

// Count returns the number of connected endpoints.
func (r *Relay) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// WSChannel implements Channel over a WebSocket connection to a Relay. The
// relay excludes the sender when it fans a frame out, so no envelope or
// origin filtering is needed on this side.
type WSChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    []chan Message
	closed  bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewWS dials a relay at url (ws:// or wss://) and returns the connected
// endpoint.
func NewWS(url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &WSChannel{conn: conn}
	go c.readLoop()
	return c, nil
}

func (c *WSChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown()
			return
		}
		c.mu.Lock()
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
}

// Publish implements Channel.Publish.
func (c *WSChannel) Publish(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wardenerrors.ErrChannelClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return wardenerrors.ErrConnectionClosed
	}
	c.published.Add(1)
	return nil
}

// Subscribe implements Channel.Subscribe.
func (c *WSChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
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
func (c *WSChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
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

// Close implements Channel.Close.
func (c *WSChannel) Close() error {
	if !c.markClosed() {
		return nil
	}
	return c.conn.Close()
}

// teardown runs when the read loop dies, either because Close dropped the
// connection or because the relay went away.
func (c *WSChannel) teardown() {
	c.markClosed()
	_ = c.conn.Close()
}

// markClosed flips the endpoint to closed and closes every subscriber
// channel. It reports whether this call did the flip.
func (c *WSChannel) markClosed() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		close(s)
	}
	return true
}

// Metrics returns the published and delivered counts.
func (c *WSChannel) Metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}
