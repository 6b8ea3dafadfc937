package syncbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "txflow.bus."

// NATSBus implements Bus using a NATS connection.
type NATSBus struct {
	conn *nats.Conn
	f    fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, f: newFanout(), subs: make(map[string]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := b.conn.Publish(natsSubjectPrefix+key, []byte("1")); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	ch, first := b.f.add(key)
	if first {
		sub, err := b.conn.Subscribe(natsSubjectPrefix+key, func(_ *nats.Msg) {
			b.f.deliver(key)
		})
		if err == nil {
			// Make sure the server knows about the interest before returning.
			if err = b.conn.Flush(); err != nil {
				_ = sub.Unsubscribe()
			}
		}
		if err != nil {
			b.f.remove(key, ch)
			b.mu.Unlock()
			return nil, err
		}
		b.subs[key] = sub
	}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	var sub *nats.Subscription
	if last, _ := b.f.remove(key, ch); last {
		sub = b.subs[key]
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}
