package events

import (
	"context"
	"fmt"
	"log/slog"

	"carrental/internal/config"
)

// Channel is a configured transport. Publisher and Subscriber may be the
// same object.
type Channel struct {
	Publisher  Publisher
	Subscriber Subscriber
}

func (c *Channel) Close() error {
	if c.Subscriber != nil && any(c.Subscriber) != any(c.Publisher) {
		c.Subscriber.Close()
	}
	if c.Publisher != nil {
		return c.Publisher.Close()
	}
	return nil
}

// Open builds the transport selected by cfg.Driver.
func Open(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (*Channel, error) {
	switch cfg.Driver {
	case "memory":
		mc := NewMemoryChannel(cfg.Partitions, 0, log)
		return &Channel{Publisher: mc, Subscriber: mc}, nil
	case "kafka":
		return &Channel{
			Publisher:  NewKafkaPublisher(cfg.Kafka),
			Subscriber: NewKafkaSubscriber(cfg.Kafka, log),
		}, nil
	case "rabbitmq":
		mq, err := DialRabbitMQ(ctx, cfg.RabbitMQ, cfg.Partitions, log)
		if err != nil {
			return nil, err
		}
		return &Channel{Publisher: mq, Subscriber: mq}, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// Policy converts the configured retry settings.
func Policy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}
