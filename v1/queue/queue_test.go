package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

func failedTx(id string) txn.Transaction {
	tx := txn.New(id, "ACC-A", "ACC-B", decimal.NewFromInt(42), "EUR", txn.TypePayment)
	tx.MarkFailed("Service temporarily unavailable. Transaction queued for retry.", time.Now())
	return tx
}

func TestInMemoryQueue(t *testing.T) {
	q := NewInMemory()
	ctx := context.Background()
	_ = q.Enqueue(ctx, failedTx("A"))
	_ = q.Enqueue(ctx, failedTx("B"))
	if q.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", q.Len())
	}
	items := q.Drain()
	if len(items) != 2 || items[0].ID != "A" || items[1].ID != "B" {
		t.Fatalf("unexpected drain %+v", items)
	}
	if q.Len() != 0 {
		t.Fatal("drain did not empty the queue")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.Enqueue(cctx, failedTx("C")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRedisQueueFIFO(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedis(client, WithList("retry"))
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		if err := q.Enqueue(ctx, failedTx(id)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Fatalf("len: %d %v", n, err)
	}
	tx, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if tx.ID != "A" || tx.Status != txn.StatusFailed || tx.RetryCount != 1 || !tx.Amount.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("unexpected transaction %+v", tx)
	}
}

func TestNATSQueuePublishes(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("retry.test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	q := NewNATS(conn, WithSubject("retry.test"))
	if err := q.Enqueue(context.Background(), failedTx("N-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Header.Get("Txflow-Id") != "N-1" {
		t.Fatalf("missing id header: %v", msg.Header)
	}
	tx, err := Decode(msg.Data)
	if err != nil || tx.ID != "N-1" {
		t.Fatalf("decode: %+v %v", tx, err)
	}
}

func TestKafkaQueue(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		tx, err := Decode(val)
		if err != nil {
			return err
		}
		if tx.ID != "K-1" {
			return errors.New("unexpected transaction id " + tx.ID)
		}
		return nil
	})
	broken := errors.New("broker down")
	producer.ExpectSendMessageAndFail(broken)

	q := NewKafka(producer, "")
	ctx := context.Background()
	if err := q.Enqueue(ctx, failedTx("K-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, failedTx("K-2")); !errors.Is(err, broken) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

var _ sarama.SyncProducer = (*mocks.SyncProducer)(nil)
