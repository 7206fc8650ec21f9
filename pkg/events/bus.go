// Package events fans controller notifications out to renderers over
// watermill, in process or across processes through Redis Streams.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultTopic = "n8nchat.events"

// Publisher is what the controller needs from a bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// RedisSettings configures the Redis Streams transport. An empty Group puts
// subscribers in fan-out mode.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Group    string `yaml:"group" env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
}

type Settings struct {
	Topic string        `yaml:"topic" env:"TOPIC"`
	Redis RedisSettings `yaml:"redis" envPrefix:"REDIS_"`
}

type Bus struct {
	topic  string
	pub    message.Publisher
	sub    message.Subscriber
	client *redis.Client

	closeOnce sync.Once
}

var _ Publisher = &Bus{}

// NewBus builds an in-memory bus, or a Redis Streams bus when
// s.Redis.Enabled is set.
func NewBus(s Settings) (*Bus, error) {
	topic := strings.TrimSpace(s.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	logger := NewWatermillLogger(log.Logger)

	if !s.Redis.Enabled {
		// Blocking until ack keeps per-subscriber delivery in publish order.
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{topic: topic, pub: ch, sub: ch}, nil
	}

	if strings.TrimSpace(s.Redis.Addr) == "" {
		return nil, errors.New("events: redis enabled without address")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Redis.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Redis.Group,
		Consumer:      s.Redis.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis subscriber")
	}
	return &Bus{topic: topic, pub: pub, sub: sub, client: client}, nil
}

func (b *Bus) Topic() string { return b.topic }

func (b *Bus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "events: marshal")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return errors.Wrapf(b.pub.Publish(b.topic, msg), "events: publish %s", e.Type)
}

// Subscribe delivers events until ctx is done or the bus is closed.
// Undecodable payloads are logged and acked.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "events: subscribe")
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				log.Warn().Err(err).Str("component", "events").Str("uuid", msg.UUID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			select {
			case out <- e:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close is safe to call more than once.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pub.Close()
		// in memory pub and sub are one GoChannel; its Close is idempotent
		if e := b.sub.Close(); e != nil && err == nil {
			err = e
		}
		if b.client != nil {
			if e := b.client.Close(); e != nil && err == nil {
				err = e
			}
		}
	})
	return errors.Wrap(err, "events: close")
}
