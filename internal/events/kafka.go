package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"carrental/internal/config"
)

const (
	headerEventID   = "event_id"
	headerEventType = "event_type"
)

// KafkaPublisher writes events keyed by car id so one car's events land on
// one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := toKafkaMessage(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", e.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber consumes the topic as a member of a consumer group and
// commits an offset only after the handler accepted the message.
type KafkaSubscriber struct {
	reader  *kafka.Reader
	log     *slog.Logger
	redelay time.Duration
}

func NewKafkaSubscriber(cfg config.KafkaConfig, log *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		log:     log,
		redelay: time.Second,
	}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, h Handler) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		e, err := fromKafkaMessage(msg)
		if err != nil {
			// Undecodable messages can never succeed; skip them.
			s.log.Error("dropping undecodable message",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
		} else if !s.handle(ctx, e, h) {
			return nil
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

// handle retries h until it succeeds. It returns false if ctx ended first.
func (s *KafkaSubscriber) handle(ctx context.Context, e Event, h Handler) bool {
	for {
		err := h(ctx, e)
		if err == nil {
			return true
		}
		s.log.Warn("kafka handler failed, redelivering", "event_id", e.ID, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.redelay):
		}
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}

func toKafkaMessage(e Event) (kafka.Message, error) {
	body, err := Encode(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Key()),
		Value: body,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(e.ID.String())},
			{Key: headerEventType, Value: []byte(e.Type)},
		},
		Time: e.OccurredAt,
	}, nil
}

func fromKafkaMessage(m kafka.Message) (Event, error) {
	return Decode(m.Value)
}
