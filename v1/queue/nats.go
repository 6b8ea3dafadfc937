package queue

import (
	"context"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

const defaultNATSFlushTimeout = 2 * time.Second

// NATS implements RetryQueue by publishing to a subject. Messages carry the
// transaction id in the Txflow-Id header.
type NATS struct {
	conn    *nats.Conn
	subject string
	flush   time.Duration
}

// NATSOption configures a NATS queue.
type NATSOption func(*NATS)

// WithSubject sets the subject.
func WithSubject(s string) NATSOption {
	return func(n *NATS) {
		if s != "" {
			n.subject = s
		}
	}
}

// WithFlushTimeout sets how long Enqueue waits for the server to
// acknowledge the publish. Zero disables the flush.
func WithFlushTimeout(d time.Duration) NATSOption {
	return func(n *NATS) { n.flush = d }
}

// NewNATS returns a NATS-backed retry queue.
func NewNATS(conn *nats.Conn, opts ...NATSOption) *NATS {
	n := &NATS{conn: conn, subject: DefaultTopic, flush: defaultNATSFlushTimeout}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Enqueue implements RetryQueue.Enqueue.
func (n *NATS) Enqueue(ctx context.Context, tx txn.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(tx)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(n.subject)
	msg.Header.Set("Txflow-Id", tx.ID)
	msg.Data = data
	if err := n.conn.PublishMsg(msg); err != nil {
		return err
	}
	if n.flush <= 0 {
		return nil
	}
	return n.conn.FlushTimeout(n.flush)
}
