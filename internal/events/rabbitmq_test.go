package events

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carrental/internal/config"
	"carrental/internal/logger"
)

// severableProxy forwards TCP connections to a broker and can cut them all
// at once, which the client sees as the broker going away.
type severableProxy struct {
	ln     net.Listener
	target string

	mu    sync.Mutex
	conns []net.Conn
}

func newSeverableProxy(t *testing.T, target string) *severableProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &severableProxy{ln: ln, target: target}
	go p.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		p.sever()
	})
	return p
}

func (p *severableProxy) serve() {
	for {
		down, err := p.ln.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", p.target)
		if err != nil {
			_ = down.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, down, up)
		p.mu.Unlock()
		go func() { _, _ = io.Copy(up, down); _ = up.Close() }()
		go func() { _, _ = io.Copy(down, up); _ = down.Close() }()
	}
}

func (p *severableProxy) sever() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

func rabbitMQThroughProxy(t *testing.T) (*RabbitMQ, *severableProxy) {
	t.Helper()
	raw := os.Getenv("RABBITMQ_URL")
	if raw == "" {
		t.Skip("RABBITMQ_URL not set, skipping broker test")
	}
	u, err := url.Parse(raw)
	require.NoError(t, err)
	proxy := newSeverableProxy(t, u.Host)
	u.Host = proxy.ln.Addr().String()

	name := "carrental-test-" + uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mq, err := DialRabbitMQ(ctx, config.RabbitMQConfig{URL: u.String(), Exchange: name, QueuePrefix: name}, 1, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mq.Close() })
	return mq, proxy
}

func TestRabbitMQResumesAfterBrokerConnectionDrops(t *testing.T) {
	mq, proxy := rabbitMQThroughProxy(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	got := make(chan Event, 8)
	go func() {
		_ = mq.Subscribe(ctx, func(_ context.Context, e Event) error {
			got <- e
			return nil
		})
	}()

	before, err := New(TypeRentalCreated, uuid.New(), uuid.New(), nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, mq.Publish(ctx, before))
	select {
	case e := <-got:
		assert.Equal(t, before.ID, e.ID)
	case <-ctx.Done():
		t.Fatal("first event not delivered")
	}

	proxy.sever()

	after, err := New(TypeRentalCreated, uuid.New(), uuid.New(), nil, time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mq.Publish(ctx, after) == nil
	}, 30*time.Second, 200*time.Millisecond, "publishing never recovered")

	for {
		select {
		case e := <-got:
			if e.ID == after.ID {
				return
			}
		case <-ctx.Done():
			t.Fatal("event published after reconnect not delivered")
		}
	}
}

func TestRabbitMQSubscribeReturnsAfterClose(t *testing.T) {
	mq, _ := rabbitMQThroughProxy(t)

	done := make(chan error, 1)
	go func() {
		done <- mq.Subscribe(context.Background(), func(context.Context, Event) error { return nil })
	}()
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, mq.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("subscribe kept running after close")
	}
}
