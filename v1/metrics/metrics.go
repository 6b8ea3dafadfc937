// Package metrics records transaction outcomes. A Recorder is created once
// at startup and handed to the engine; it exports Prometheus series when
// given a registerer and always keeps the in-process counters behind
// Service.CurrentThroughput and Service.PerTypeCounters.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-txflow/v1/txn"
)

// DefaultWindow is the span over which throughput is averaged.
const DefaultWindow = time.Minute

// Recorder collects transaction metrics.
type Recorder struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	completed []time.Time
	perType   map[txn.Type]int64
	processed int64
	failed    int64

	processedVec *prometheus.CounterVec
	failedVec    *prometheus.CounterVec
	duration     prometheus.Histogram
	fallbacks    prometheus.Counter
	breaker      *prometheus.GaugeVec
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWindow sets the throughput window.
func WithWindow(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.window = d
		}
	}
}

// New returns a Recorder. reg may be nil to disable Prometheus export.
func New(reg prometheus.Registerer, opts ...Option) *Recorder {
	r := &Recorder{
		window:  DefaultWindow,
		now:     time.Now,
		perType: make(map[txn.Type]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if reg != nil {
		r.processedVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txflow_transactions_processed_total",
			Help: "Total number of transactions completed, by type",
		}, []string{"type"})
		r.failedVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txflow_transactions_failed_total",
			Help: "Total number of transactions failed, by type",
		}, []string{"type"})
		r.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txflow_transaction_duration_seconds",
			Help:    "Time spent processing a transaction under its lock",
			Buckets: prometheus.DefBuckets,
		})
		r.fallbacks = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txflow_fallback_total",
			Help: "Total number of transactions handed to the retry fallback",
		})
		r.breaker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txflow_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"})
		reg.MustRegister(r.processedVec, r.failedVec, r.duration, r.fallbacks, r.breaker)
	}
	return r
}

// Processed records a completed transaction of type typ.
func (r *Recorder) Processed(typ txn.Type) {
	now := r.now()
	r.mu.Lock()
	r.processed++
	r.perType[typ]++
	r.completed = append(r.prune(now), now)
	r.mu.Unlock()
	if r.processedVec != nil {
		r.processedVec.WithLabelValues(typ.String()).Inc()
	}
}

// Failed records a transaction of type typ whose processing failed.
func (r *Recorder) Failed(typ txn.Type) {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
	if r.failedVec != nil {
		r.failedVec.WithLabelValues(typ.String()).Inc()
	}
}

// ObserveDuration records the time spent on one transaction.
func (r *Recorder) ObserveDuration(d time.Duration) {
	if r.duration != nil {
		r.duration.Observe(d.Seconds())
	}
}

// Fallback records a transaction handed to the retry fallback.
func (r *Recorder) Fallback() {
	if r.fallbacks != nil {
		r.fallbacks.Inc()
	}
}

// BreakerState exports the state of breaker name. 0 is closed, 1 half-open
// and 2 open.
func (r *Recorder) BreakerState(name string, state int) {
	if r.breaker != nil {
		r.breaker.WithLabelValues(name).Set(float64(state))
	}
}

// prune drops completions that left the window. Callers hold r.mu.
func (r *Recorder) prune(now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	i := 0
	for _, t := range r.completed {
		if t.After(cutoff) {
			r.completed[i] = t
			i++
		}
	}
	r.completed = r.completed[:i]
	return r.completed
}

// Throughput returns completed transactions per second over the window.
func (r *Recorder) Throughput() float64 {
	now := r.now()
	r.mu.Lock()
	n := len(r.prune(now))
	r.mu.Unlock()
	return float64(n) / r.window.Seconds()
}

// PerType returns a copy of the completed counters by type.
func (r *Recorder) PerType() map[txn.Type]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[txn.Type]int64, len(r.perType))
	for k, v := range r.perType {
		out[k] = v
	}
	return out
}

// Totals returns the number of completed and failed transactions.
func (r *Recorder) Totals() (processed, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed, r.failed
}
