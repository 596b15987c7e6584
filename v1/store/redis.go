package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// changeEnvelope is the wire form of a Change on the feed channel. The
// origin field carries the writing handle's id so every subscriber can drop
// notifications for its own writes.
type changeEnvelope struct {
	Origin  string `json:"o"`
	Key     string `json:"k"`
	Value   string `json:"v,omitempty"`
	Present bool   `json:"p"`
}

// RedisStore implements Store using a Redis backend. Change notifications
// travel over a Redis Pub/Sub channel named "<prefix>:changes"; each store
// instance carries a random origin id so its own writes are filtered out of
// its watch feed, matching the semantics of a Memory handle.
type RedisStore struct {
	client  *redis.Client
	origin  string
	prefix  string
	timeout time.Duration

	mu       sync.Mutex
	pubsub   *redis.PubSub
	watchers []chan Change
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithPrefix sets the namespace used for the change feed channel.
func WithPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: "warden"}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{
		client:  client,
		origin:  uuid.NewString(),
		prefix:  o.prefix,
		timeout: o.timeout,
	}
}

func (s *RedisStore) feed() string {
	return s.prefix + ":changes"
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", false, wardenerrors.ErrTimeout
		}
		return "", false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	val, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", false, wardenerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return "", false, wardenerrors.ErrConnectionClosed
		}
		return "", false, err
	}
	return val, true, nil
}

// Set implements Store.Set.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, key, value, 0).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return wardenerrors.ErrConnectionClosed
		}
		return err
	}
	s.announce(cctx, Change{Key: key, Value: value, Present: true})
	return nil
}

// Remove implements Store.Remove.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	deleted, err := s.client.Del(cctx, key).Result()
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return wardenerrors.ErrConnectionClosed
		}
		return err
	}
	if deleted > 0 {
		s.announce(cctx, Change{Key: key})
	}
	return nil
}

// announce publishes a change on the feed. The feed is a latency
// optimization on top of polling, so a failed publish is dropped rather
// than surfaced.
func (s *RedisStore) announce(ctx context.Context, c Change) {
	data, err := json.Marshal(changeEnvelope{
		Origin:  s.origin,
		Key:     c.Key,
		Value:   c.Value,
		Present: c.Present,
	})
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, s.feed(), data).Err()
}

// Watch implements Store.Watch.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)
	s.mu.Lock()
	if s.pubsub == nil {
		ps := s.client.Subscribe(ctx, s.feed())
		if _, err := ps.Receive(ctx); err != nil {
			s.mu.Unlock()
			_ = ps.Close()
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return nil, wardenerrors.ErrTimeout
			}
			if stdErrors.Is(err, redis.ErrClosed) {
				return nil, wardenerrors.ErrConnectionClosed
			}
			return nil, err
		}
		s.pubsub = ps
		go s.dispatch(ps)
	}
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Unwatch(context.Background(), ch)
	}()
	return ch, nil
}

// Unwatch implements Store.Unwatch. Closing the last watcher also closes
// the underlying Pub/Sub subscription.
func (s *RedisStore) Unwatch(ctx context.Context, ch <-chan Change) error {
	s.mu.Lock()
	for i, c := range s.watchers {
		if c == ch {
			s.watchers[i] = s.watchers[len(s.watchers)-1]
			s.watchers = s.watchers[:len(s.watchers)-1]
			close(c)
			break
		}
	}
	if len(s.watchers) == 0 && s.pubsub != nil {
		ps := s.pubsub
		s.pubsub = nil
		s.mu.Unlock()
		return ps.Close()
	}
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() { // Loop terminates when channel is closed
		var env changeEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		if env.Origin == s.origin {
			continue
		}

		s.mu.Lock()
		watchers := append([]chan Change(nil), s.watchers...)
		s.mu.Unlock()

		c := Change{Key: env.Key, Value: env.Value, Present: env.Present}
		for _, w := range watchers {
			select {
			case w <- c:
			default:
			}
		}
	}
}

// Batch implements Batcher.Batch using a Redis transactional pipeline.
func (s *RedisStore) Batch(ctx context.Context) (Batch, error) {
	return &redisBatch{s: s, sets: make(map[string]string)}, nil
}

type redisBatch struct {
	s       *RedisStore
	sets    map[string]string
	removes []string
}

func (b *redisBatch) Set(ctx context.Context, key, value string) error {
	b.sets[key] = value
	return nil
}

func (b *redisBatch) Remove(ctx context.Context, key string) error {
	b.removes = append(b.removes, key)
	return nil
}

func (b *redisBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, b.s.timeout)
	defer cancel()
	pipe := b.s.client.TxPipeline()
	for k, v := range b.sets {
		pipe.Set(cctx, k, v, 0)
	}
	if len(b.removes) > 0 {
		pipe.Del(cctx, b.removes...)
	}
	if _, err := pipe.Exec(cctx); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return wardenerrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return wardenerrors.ErrConnectionClosed
		}
		return err
	}
	for _, k := range b.removes {
		b.s.announce(cctx, Change{Key: k})
	}
	for k, v := range b.sets {
		b.s.announce(cctx, Change{Key: k, Value: v, Present: true})
	}
	return nil
}
