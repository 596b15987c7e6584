package presets

import (
	"time"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/channel"
	"github.com/mirkobrombin/go-warden/v1/guard"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/store"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the lock record keys and the presence channel.
	// Defaults to "warden".
	Prefix string
}

// NewStandalone creates a Guard that coordinates entirely in-process.
// Guards sharing the same region and hub contend for the same lock, so
// this is suitable for tests and for serializing work within one binary.
// A nil region or hub creates a fresh one, which makes the guard
// effectively uncontested.
func NewStandalone(region *store.Memory, hub *channel.MemoryHub, opts guard.Options) (*guard.Guard, error) {
	if region == nil {
		region = store.NewMemory()
	}
	if hub == nil {
		hub = channel.NewMemoryHub()
	}
	opts.Store = region.Handle()
	opts.Channel = hub.Join()
	return guard.New(opts)
}

// NewRedis creates a Guard backed by Redis for both the lock record and
// the presence channel. The channel is wrapped in a circuit breaker so a
// flapping Redis connection degrades the probe instead of hammering it;
// the lock record itself keeps working through the same client.
func NewRedis(ropts RedisOptions, opts guard.Options) (*guard.Guard, error) {
	prefix := ropts.Prefix
	if prefix == "" {
		prefix = "warden"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     ropts.Addr,
		Password: ropts.Password,
		DB:       ropts.DB,
	})

	opts.Store = store.NewRedisStore(client, store.WithPrefix(prefix))
	if opts.Keys == (lock.Keys{}) {
		opts.Keys = lock.Keys{Owner: prefix + ":owner", Beat: prefix + ":beat"}
	}
	opts.Channel = channel.NewCircuitBreaker(
		channel.NewRedisChannel(client, prefix+":presence"), 3, 30*time.Second)
	return guard.New(opts)
}

// NewNATS creates a Guard whose presence probe runs over a NATS subject.
// NATS carries no state, so the caller still supplies the store. An empty
// subject defaults to "warden.presence".
func NewNATS(conn *nats.Conn, subject string, opts guard.Options) (*guard.Guard, error) {
	if subject == "" {
		subject = "warden.presence"
	}
	opts.Channel = channel.NewNATSChannel(conn, subject)
	return guard.New(opts)
}

// NewMesh creates a Guard whose presence probe runs over the broker-less
// UDP mesh. The mesh carries no state, so the caller still supplies the
// store.
func NewMesh(mopts channel.MeshOptions, opts guard.Options) (*guard.Guard, error) {
	ch, err := channel.NewMeshChannel(mopts)
	if err != nil {
		return nil, err
	}
	opts.Channel = ch
	return guard.New(opts)
}

// NewKafka creates a Guard whose presence probe runs over a Kafka topic.
// Kafka carries no state, so the caller still supplies the store.
func NewKafka(brokers []string, topic string, cfg *sarama.Config, opts guard.Options) (*guard.Guard, error) {
	ch, err := channel.NewKafkaChannel(brokers, topic, cfg)
	if err != nil {
		return nil, err
	}
	opts.Channel = ch
	return guard.New(opts)
}

// NewRelay creates a Guard whose presence probe runs through a websocket
// relay, for processes that can reach a shared HTTP endpoint but no
// broker. The caller still supplies the store.
func NewRelay(url string, opts guard.Options) (*guard.Guard, error) {
	ch, err := channel.NewWS(url)
	if err != nil {
		return nil, err
	}
	opts.Channel = ch
	return guard.New(opts)
}
