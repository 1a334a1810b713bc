package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"carrental/internal/config"
)

var errRabbitMQClosed = errors.New("rabbitmq client closed")

// RabbitMQ publishes to a durable direct exchange whose routing keys are
// partition numbers, one durable queue per partition. Publishes wait for
// broker confirms. A lost connection is redialled in the background until
// Close.
type RabbitMQ struct {
	cfg        config.RabbitMQConfig
	partitions int
	log        *slog.Logger

	life context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	closing bool
	conn    *amqp.Connection
	ch      *amqp.Channel
}

// DialRabbitMQ connects with exponential backoff, declares the topology and
// puts the publishing channel into confirm mode.
func DialRabbitMQ(ctx context.Context, cfg config.RabbitMQConfig, partitions int, log *slog.Logger) (*RabbitMQ, error) {
	if partitions <= 0 {
		partitions = 1
	}
	mq := &RabbitMQ{cfg: cfg, partitions: partitions, log: log}
	mq.life, mq.stop = context.WithCancel(context.Background())

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, mq.connect()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(10),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("rabbitmq connection attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
		}),
	)
	if err != nil {
		mq.stop()
		return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", attempt, err)
	}
	log.Info("rabbitmq connected", "exchange", cfg.Exchange, "partitions", partitions)
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.Dial(mq.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := mq.openPublishChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	mq.mu.Lock()
	if mq.closing {
		mq.mu.Unlock()
		_ = conn.Close()
		return backoff.Permanent(errRabbitMQClosed)
	}
	mq.conn = conn
	mq.ch = ch
	mq.mu.Unlock()

	go mq.watch(closed)
	return nil
}

func (mq *RabbitMQ) openPublishChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := mq.declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return ch, nil
}

// watch redials after the broker drops the connection. A graceful Close
// closes the notification channel without an error and ends the watch.
func (mq *RabbitMQ) watch(closed <-chan *amqp.Error) {
	cause, ok := <-closed
	if !ok || cause == nil {
		return
	}
	mq.mu.Lock()
	if mq.closing {
		mq.mu.Unlock()
		return
	}
	mq.conn, mq.ch = nil, nil
	mq.mu.Unlock()

	mq.log.Warn("rabbitmq connection lost, reconnecting", "error", cause)
	attempt := 0
	_, err := backoff.Retry(mq.life, func() (struct{}, error) {
		attempt++
		return struct{}{}, mq.connect()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			mq.log.Warn("rabbitmq reconnect failed", "attempt", attempt, "retry_in", wait, "error", err)
		}),
	)
	if err != nil {
		mq.log.Info("rabbitmq reconnect abandoned", "error", err)
		return
	}
	mq.log.Info("rabbitmq reconnected", "attempts", attempt)
}

func (mq *RabbitMQ) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(mq.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", mq.cfg.Exchange, err)
	}
	for i := 0; i < mq.partitions; i++ {
		q := mq.queueName(i)
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, strconv.Itoa(i), mq.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

func (mq *RabbitMQ) queueName(partition int) string {
	return fmt.Sprintf("%s.%d", mq.cfg.QueuePrefix, partition)
}

// publishChannel returns the confirm channel, reopening it when the broker
// closed only the channel and the connection is still up.
func (mq *RabbitMQ) publishChannel() (*amqp.Channel, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	switch {
	case mq.closing:
		return nil, errRabbitMQClosed
	case mq.conn == nil || mq.conn.IsClosed():
		return nil, errors.New("rabbitmq connection not available")
	case mq.ch != nil && !mq.ch.IsClosed():
		return mq.ch, nil
	}
	ch, err := mq.openPublishChannel(mq.conn)
	if err != nil {
		return nil, err
	}
	mq.ch = ch
	return ch, nil
}

// Publish returns after the broker confirmed the message. While the
// connection is being re-established it fails fast so callers can retry.
func (mq *RabbitMQ) Publish(ctx context.Context, e Event) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	ch, err := mq.publishChannel()
	if err != nil {
		return err
	}

	key := strconv.Itoa(Partition(e.Key(), mq.partitions))
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, mq.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID.String(),
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.ID, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm %s: %w", e.ID, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", e.ID)
	}
	return nil
}

// Subscribe consumes every partition queue on its own channel with a
// prefetch of one so each partition is processed strictly in order. When
// the connection drops it waits for the reconnect and resumes; unacked
// deliveries come back from the broker.
func (mq *RabbitMQ) Subscribe(ctx context.Context, h Handler) error {
	pause := backoff.NewExponentialBackOff()
	for {
		started := time.Now()
		err := mq.consumeAll(ctx, h)
		if ctx.Err() != nil || errors.Is(err, errRabbitMQClosed) {
			return nil
		}
		if time.Since(started) > time.Minute {
			pause.Reset()
		}
		wait := pause.NextBackOff()
		mq.log.Warn("rabbitmq consumer interrupted, resuming", "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if err := mq.awaitConnection(ctx); err != nil {
			return err
		}
	}
}

func (mq *RabbitMQ) awaitConnection(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return mq.connection()
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(500*time.Millisecond)),
		backoff.WithMaxElapsedTime(0),
	)
	if errors.Is(err, errRabbitMQClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (mq *RabbitMQ) connection() (*amqp.Connection, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.closing {
		return nil, backoff.Permanent(errRabbitMQClosed)
	}
	if mq.conn == nil || mq.conn.IsClosed() {
		return nil, errors.New("rabbitmq connection not available")
	}
	return mq.conn, nil
}

func (mq *RabbitMQ) consumeAll(ctx context.Context, h Handler) error {
	conn, err := mq.connection()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < mq.partitions; i++ {
		queue := mq.queueName(i)
		ch, err := conn.Channel()
		if err == nil {
			err = ch.Qos(1, 0, false)
		}
		var deliveries <-chan amqp.Delivery
		if err == nil {
			deliveries, err = ch.Consume(queue, "", false, false, false, false, nil)
		}
		if err != nil {
			if ch != nil {
				_ = ch.Close()
			}
			g.Go(func() error { return fmt.Errorf("consume %s: %w", queue, err) })
			break
		}
		g.Go(func() error {
			defer ch.Close()
			return mq.consume(gctx, queue, deliveries, h)
		})
	}
	return g.Wait()
}

func (mq *RabbitMQ) consume(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("deliveries for %s closed", queue)
			}
			e, err := Decode(d.Body)
			if err != nil {
				mq.log.Error("dropping undecodable message", "queue", queue, "error", err)
				_ = d.Ack(false)
				continue
			}
			if err := h(ctx, e); err != nil {
				mq.log.Warn("rabbitmq handler failed, requeueing", "queue", queue, "event_id", e.ID, "error", err)
				_ = d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack %s: %w", e.ID, err)
			}
		}
	}
}

func (mq *RabbitMQ) Close() error {
	mq.stop()
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.closing = true
	var errs []error
	if mq.ch != nil {
		errs = append(errs, ignoreClosed(mq.ch.Close()))
		mq.ch = nil
	}
	if mq.conn != nil {
		errs = append(errs, ignoreClosed(mq.conn.Close()))
		mq.conn = nil
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
