package syncbus

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSConn(t *testing.T) *nats.Conn {
	t.Helper()
	addr := os.Getenv("TXFLOW_TEST_NATS_ADDR")

	var s *server.Server
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	} else {
		t.Logf("using real NATS at %s", addr)
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return conn
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	conn := newNATSConn(t)
	sub := NewNATSBus(conn)
	pub := NewNATSBus(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sub.Subscribe(ctx, "transaction:lock:TXN-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(ctx, "transaction:lock:TXN-2"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNotified(t, ch)

	if err := sub.Unsubscribe(ctx, "transaction:lock:TXN-2", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.subs) != 0 {
		t.Fatal("nats subscription leaked")
	}
}

func TestNATSBusConcurrentChurnLeavesNoSubscription(t *testing.T) {
	conn := newNATSConn(t)
	bus := NewNATSBus(conn)
	ctx := context.Background()
	const key = "transaction:lock:TXN-1"

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				ch, err := bus.Subscribe(ctx, key)
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				if err := bus.Unsubscribe(ctx, key, ch); err != nil {
					t.Errorf("unsubscribe: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := conn.NumSubscriptions(); n != 0 {
		t.Fatalf("leaked %d nats subscriptions", n)
	}
	ch, err := bus.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe after churn: %v", err)
	}
	if err := bus.Publish(ctx, key); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNotified(t, ch)
}
