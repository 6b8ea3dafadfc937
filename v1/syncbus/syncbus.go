// Package syncbus carries lock release notifications between txflow
// instances so that waiters wake up as soon as a transaction lock is freed
// instead of sleeping through their poll interval.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a fire-and-forget pub/sub channel keyed by lock name.
// Deliveries are best effort: a subscriber that is not ready drops the
// notification, so waiters must also poll.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// Metrics reports bus traffic.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscriber channels of a key and delivers to them
// without blocking.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() fanout {
	return fanout{subs: make(map[string][]chan struct{})}
}

func (f *fanout) add(key string) (ch chan struct{}, first bool) {
	ch = make(chan struct{}, 1)
	f.mu.Lock()
	first = len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether key has no subscribers left.
func (f *fanout) remove(key string, ch chan struct{}) (last bool, found bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		return found, found
	}
	f.subs[key] = subs
	return false, found
}

func (f *fanout) deliver(key string) {
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[key]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) metrics() Metrics {
	return Metrics{Published: f.published.Load(), Delivered: f.delivered.Load()}
}

// InMemoryBus connects lockers living in the same process.
type InMemoryBus struct {
	f fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	b.f.deliver(key)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, _ := b.f.add(key)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.f.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
