// Package eventbus builds the watermill publisher/subscriber pair used to
// fan out outbox messages.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"dealflow/logging"
)

const (
	ProviderGoChannel = "gochannel"
	ProviderKafka     = "kafka"
)

type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func (b *Bus) Close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		errs = append(errs, b.Subscriber.Close())
	}
	return errors.Join(errs...)
}

type Config struct {
	Provider      string
	Brokers       []string
	ConsumerGroup string
}

func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	wl := watermill.NewSlogLogger(logger)

	switch cfg.Provider {
	case "", ProviderGoChannel:
		return NewGoChannel(wl, false), nil
	case ProviderKafka:
		return newKafka(cfg, wl)
	default:
		return nil, fmt.Errorf("eventbus: unsupported provider %q", cfg.Provider)
	}
}

// NewGoChannel returns an in-process bus. persistent keeps messages for
// subscribers that attach after publishing, which tests rely on.
func NewGoChannel(logger watermill.LoggerAdapter, persistent bool) *Bus {
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
			Persistent:          persistent,
		},
		logger,
	)
	return &Bus{Publisher: pubSub, Subscriber: pubSub}
}

func newKafka(cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("eventbus: kafka brokers are not configured")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "cg-dealflow"
	}

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: kafka subscriber: %w", err)
	}

	publisherConfig := sarama.NewConfig()
	publisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, fmt.Errorf("eventbus: kafka publisher: %w", err)
	}

	return &Bus{Publisher: publisher, Subscriber: subscriber}, nil
}

// LogTopics subscribes to topics and logs every message it receives. serve
// uses it so in-process events stay visible without an external consumer.
func LogTopics(ctx context.Context, sub message.Subscriber, topics []string) error {
	logger := logging.WithModule("eventbus")
	for _, topic := range topics {
		ch, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("eventbus: subscribe %s: %w", topic, err)
		}
		go func(topic string, ch <-chan *message.Message) {
			for msg := range ch {
				logger.InfoContext(ctx, "event", "topic", topic, "message_id", msg.UUID, "payload", string(msg.Payload))
				msg.Ack()
			}
		}(topic, ch)
	}
	return nil
}
