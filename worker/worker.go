// Package worker implements the runtime that leases commands from the queue,
// renders tool parameters, invokes executors and reports outcomes to the
// event log.
//
// Workers are stateless: every fact a command needs travels in its payload,
// and every fact a worker learns is appended to the event log. A worker that
// dies mid-command simply lets the lease expire; the command becomes leasable
// again and the single-terminal rule on the log absorbs the redelivery.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/kv"
	"github.com/noetl/noetl/queue"
	"github.com/noetl/noetl/resultref"
	"github.com/noetl/noetl/telemetry"
)

// Worker leases commands from one pool and executes them.
type Worker struct {
	id       string
	pool     string
	queue    queue.Queue
	log      eventlog.Store
	mirror   *kv.Mirror
	resolver *keychain.Resolver
	registry *Registry
	tiers    resultref.Tiers
	janitor  *resultref.Janitor
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	limiter  *rate.Limiter

	visibility     time.Duration
	heartbeatEvery time.Duration
	batch          int
	concurrency    int
	inlineMax      int
	now            func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithPool sets the pool the worker leases from. Default "default".
func WithPool(pool string) Option {
	return func(w *Worker) { w.pool = pool }
}

// WithMirror wires the coordination mirror used for cancellation checks and
// heartbeats.
func WithMirror(m *kv.Mirror) Option {
	return func(w *Worker) { w.mirror = m }
}

// WithResolver wires the keychain resolver for steps declaring auth.
func WithResolver(r *keychain.Resolver) Option {
	return func(w *Worker) { w.resolver = r }
}

// WithTiers wires the result storage tiers.
func WithTiers(t resultref.Tiers) Option {
	return func(w *Worker) {
		w.tiers = t
		w.janitor = resultref.NewJanitor(t)
	}
}

// WithJanitor overrides the ref janitor, typically to share one with the
// engine in single-process deployments.
func WithJanitor(j *resultref.Janitor) Option {
	return func(w *Worker) { w.janitor = j }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithVisibility sets the lease visibility window. Default 30s.
func WithVisibility(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.visibility = d
		}
	}
}

// WithHeartbeatInterval sets how often the worker heartbeats the mirror.
// Default 10s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.heartbeatEvery = d
		}
	}
}

// WithBatchSize sets how many commands one lease call claims. Default 4.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithConcurrency caps commands executing at once. Default 4.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithLeaseRate paces lease polling. Default 10 polls per second.
func WithLeaseRate(r rate.Limit) Option {
	return func(w *Worker) { w.limiter = rate.NewLimiter(r, 1) }
}

// WithInlineMaxBytes overrides the default externalization threshold.
func WithInlineMaxBytes(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.inlineMax = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a worker. An empty id is assigned a random one.
func New(id string, q queue.Queue, log eventlog.Store, registry *Registry, opts ...Option) *Worker {
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	w := &Worker{
		id:             id,
		pool:           queue.DefaultPool,
		queue:          q,
		log:            log,
		registry:       registry,
		tiers:          resultref.Tiers{Memory: resultref.NewMemoryBackend(), KV: resultref.NewMemoryBackend(), Object: resultref.NewMemoryBackend()},
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		limiter:        rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		visibility:     30 * time.Second,
		heartbeatEvery: 10 * time.Second,
		batch:          4,
		concurrency:    4,
		inlineMax:      resultref.InlineMaxBytes,
		now:            time.Now,
	}
	w.janitor = resultref.NewJanitor(w.tiers)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Run leases and executes commands until ctx is done. It returns after all
// in-flight commands finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started", "worker_id", w.id, "pool", w.pool)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()

	sem := make(chan struct{}, w.concurrency)
	for ctx.Err() == nil {
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		cmds, err := w.queue.Lease(ctx, w.pool, w.id, w.batch, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn(ctx, "lease commands", "pool", w.pool, "err", err)
			continue
		}
		for _, cmd := range cmds {
			if at := cmd.AvailableAt; !at.IsZero() {
				if lat := w.now().Sub(at); lat > 0 {
					w.metrics.RecordTimer(telemetry.MetricQueueLeaseLatency, lat, "pool", w.pool)
				}
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
			w.metrics.RecordGauge(telemetry.MetricCommandsInFlight, float64(len(sem)), "pool", w.pool)
			wg.Add(1)
			go func(cmd *queue.Command) {
				defer wg.Done()
				defer func() {
					<-sem
					w.metrics.RecordGauge(telemetry.MetricCommandsInFlight, float64(len(sem)), "pool", w.pool)
				}()
				w.process(ctx, cmd)
			}(cmd)
		}
	}

	wg.Wait()
	w.logger.Info(ctx, "worker stopped", "worker_id", w.id)
	return nil
}

// heartbeatLoop records liveness in the mirror until ctx is done.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror.Heartbeat(ctx, w.id, w.now()); err != nil {
		w.logger.Warn(ctx, "heartbeat", "worker_id", w.id, "err", err)
	}
	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.mirror.Heartbeat(ctx, w.id, w.now()); err != nil {
				w.logger.Warn(ctx, "heartbeat", "worker_id", w.id, "err", err)
			}
		}
	}
}
