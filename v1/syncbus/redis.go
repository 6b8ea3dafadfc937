package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "txflow:bus:"

// RedisBus implements Bus on top of Redis PUBLISH/SUBSCRIBE. One Redis
// subscription is opened per key and shared by local subscribers.
type RedisBus struct {
	client *redis.Client
	f      fanout

	mu     sync.Mutex
	pubsub map[string]*redis.PubSub
}

// NewRedisBus returns a new RedisBus using client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, f: newFanout(), pubsub: make(map[string]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, redisChannelPrefix+key, "1").Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	// mu covers the first-subscriber decision and the pubsub entry together,
	// so a racing Unsubscribe can only close the subscription it owns.
	b.mu.Lock()
	ch, first := b.f.add(key)
	if first {
		ps := b.client.Subscribe(context.Background(), redisChannelPrefix+key)
		// Wait for the subscription confirmation so a Publish issued right
		// after Subscribe returns is not lost.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.f.remove(key, ch)
			b.mu.Unlock()
			return nil, err
		}
		b.pubsub[key] = ps
		go func() {
			for range ps.Channel() {
				b.f.deliver(key)
			}
		}()
	}
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	var ps *redis.PubSub
	if last, _ := b.f.remove(key, ch); last {
		ps = b.pubsub[key]
		delete(b.pubsub, key)
	}
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}
