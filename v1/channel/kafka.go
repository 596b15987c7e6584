package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// KafkaChannel implements Channel over a single Kafka topic partition.
// Kafka is a heavyweight transport for a presence probe, but it is useful
// when a deployment already runs a cluster and wants no extra moving parts.
type KafkaChannel struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	origin   string

	mu     sync.Mutex
	pc     sarama.PartitionConsumer
	subs   []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaChannel creates an endpoint broadcasting on the given topic,
// connecting to the provided brokers.
func NewKafkaChannel(brokers []string, topic string, cfg *sarama.Config) (*KafkaChannel, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaChannel{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		origin:   uuid.NewString(),
	}, nil
}

// Publish implements Channel.Publish.
func (c *KafkaChannel) Publish(ctx context.Context, data []byte) error {
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
	msg := &sarama.ProducerMessage{Topic: c.topic, Value: sarama.ByteEncoder(payload)}
	if _, _, err := c.producer.SendMessage(msg); err != nil {
		return err
	}
	c.published.Add(1)
	return nil
}

// Subscribe implements Channel.Subscribe. The consumer starts at the newest
// offset: a presence probe cares about live traffic, not history.
func (c *KafkaChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, wardenerrors.ErrChannelClosed
	}
	if c.pc == nil {
		pc, err := c.consumer.ConsumePartition(c.topic, 0, sarama.OffsetNewest)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.pc = pc
		go c.dispatch(pc)
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

func (c *KafkaChannel) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
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

// Unsubscribe implements Channel.Unsubscribe.
func (c *KafkaChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == ch {
			c.subs[i] = c.subs[len(c.subs)-1]
			c.subs = c.subs[:len(c.subs)-1]
			close(s)
			break
		}
	}
	if len(c.subs) == 0 && c.pc != nil {
		pc := c.pc
		c.pc = nil
		c.mu.Unlock()
		return pc.Close()
	}
	c.mu.Unlock()
	return nil
}

// Close implements Channel.Close and releases the producer and consumer.
func (c *KafkaChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	pc := c.pc
	c.pc = nil
	c.mu.Unlock()

	for _, s := range subs {
		close(s)
	}
	if pc != nil {
		_ = pc.Close()
	}
	_ = c.producer.Close()
	_ = c.consumer.Close()
	return nil
}

// Metrics returns the published and delivered counts.
func (c *KafkaChannel) Metrics() Metrics {
	return Metrics{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
	}
}
