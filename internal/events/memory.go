package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrChannelClosed = errors.New("events: channel closed")

// MemoryChannel is an in-process partitioned channel. It is both Publisher
// and Subscriber and is used by tests and single-process deployments.
type MemoryChannel struct {
	partitions []chan Event
	log        *slog.Logger
	redelay    time.Duration

	pending atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryChannel creates n partitions each buffering up to buffer events.
func NewMemoryChannel(n, buffer int, log *slog.Logger) *MemoryChannel {
	if n <= 0 {
		n = 1
	}
	if buffer <= 0 {
		buffer = 1024
	}
	c := &MemoryChannel{
		partitions: make([]chan Event, n),
		log:        log,
		redelay:    10 * time.Millisecond,
	}
	for i := range c.partitions {
		c.partitions[i] = make(chan Event, buffer)
	}
	return c
}

func (c *MemoryChannel) Publish(ctx context.Context, e Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrChannelClosed
	}
	p := c.partitions[Partition(e.Key(), len(c.partitions))]
	c.pending.Add(1)
	select {
	case p <- e:
		return nil
	case <-ctx.Done():
		c.pending.Add(-1)
		return ctx.Err()
	}
}

// Subscribe runs one worker per partition and blocks until ctx is done. A
// handler error leaves the event at the head of its partition and it is
// redelivered.
func (c *MemoryChannel) Subscribe(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for i, p := range c.partitions {
		wg.Add(1)
		go func(partition int, in <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-in:
					if !ok {
						return
					}
					c.deliver(ctx, partition, e, h)
				}
			}
		}(i, p)
	}
	wg.Wait()
	return nil
}

func (c *MemoryChannel) deliver(ctx context.Context, partition int, e Event, h Handler) {
	defer c.pending.Add(-1)
	for {
		err := h(ctx, e)
		if err == nil {
			return
		}
		c.log.Warn("memory channel redelivering event",
			"partition", partition, "event_id", e.ID, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.redelay):
		}
	}
}

// Pending reports events published but not yet acknowledged.
func (c *MemoryChannel) Pending() int64 {
	return c.pending.Load()
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		for _, p := range c.partitions {
			close(p)
		}
	}
	return nil
}
