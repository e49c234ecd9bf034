// Package dispatch runs the daemon's main loop: maintain leases, drain
// the webhook queue (or poll), filter already-active tickets, and hand
// each candidate to a worker pipeline.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/ticketd/internal/agent"
	"github.com/zjrosen/ticketd/internal/config"
	"github.com/zjrosen/ticketd/internal/journal"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/metrics"
	"github.com/zjrosen/ticketd/internal/pool"
	"github.com/zjrosen/ticketd/internal/router"
	"github.com/zjrosen/ticketd/internal/ticket"
	"github.com/zjrosen/ticketd/internal/tracker"
	"github.com/zjrosen/ticketd/internal/worktree"
)

const (
	// MaxConsecutiveErrors is the per-worker failure count that triggers
	// dispatcher back-off instead of another dispatch.
	MaxConsecutiveErrors = 5

	// BaseBackoff and MaxBackoff bound the exponential back-off applied
	// on poll failures and worker error streaks: 30*2^n, capped at 300s.
	BaseBackoff = 30 * time.Second
	MaxBackoff  = 300 * time.Second

	// WorkerCooldown is the pause after a pipeline finishes before its
	// worker is eligible again.
	WorkerCooldown = 1 * time.Second

	// responseTruncateLen caps the stored agent response.
	responseTruncateLen = 200
)

// backoffDelay returns min(BaseBackoff * 2^n, MaxBackoff).
func backoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := BaseBackoff
	for i := 0; i < n; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Dispatcher owns the dispatch loop and the in-flight pipeline tasks.
type Dispatcher struct {
	pools     *pool.Manager
	worktrees *worktree.Manager
	runtime   agent.Runtime
	client    tracker.Client
	metrics   *metrics.Collector // optional
	journal   *journal.Journal   // optional
	tracer    trace.Tracer

	projectDir string

	// Swapped atomically on config reload; a round in progress keeps
	// using the router it started with.
	mu           sync.Mutex
	router       *router.Router
	pollInterval time.Duration

	active        map[string]struct{}
	tasks         sync.WaitGroup
	cancels       map[string]context.CancelFunc
	pollFailures  int
	sleepOverride time.Duration

	totalDispatched int
	startedAt       time.Time
	cooldown        time.Duration
}

// Config wires the dispatcher's collaborators. Runtime, Pools,
// Worktrees, Router, and Client are required; Metrics, Journal, and
// Tracer are optional.
type Config struct {
	ProjectDir string
	Daemon     config.DaemonConfig
	Pools      *pool.Manager
	Worktrees  *worktree.Manager
	Runtime    agent.Runtime
	Router     *router.Router
	Client     tracker.Client
	Metrics    *metrics.Collector
	Journal    *journal.Journal
	Tracer     trace.Tracer
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return &Dispatcher{
		pools:        cfg.Pools,
		worktrees:    cfg.Worktrees,
		runtime:      cfg.Runtime,
		client:       cfg.Client,
		metrics:      cfg.Metrics,
		journal:      cfg.Journal,
		tracer:       tracer,
		projectDir:   cfg.ProjectDir,
		router:       cfg.Router,
		pollInterval: cfg.Daemon.PollIntervalDuration(),
		active:       make(map[string]struct{}),
		cancels:      make(map[string]context.CancelFunc),
		startedAt:    time.Now(),
		cooldown:     WorkerCooldown,
	}
}

// ApplyConfig swaps the router and poll interval. Takes effect between
// dispatch rounds.
func (d *Dispatcher) ApplyConfig(cfg config.DaemonConfig, r *router.Router) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.router = r
	d.pollInterval = cfg.PollIntervalDuration()
	log.Info(log.CatDispatch, "Dispatcher config applied",
		"pollInterval", cfg.PollInterval)
}

// Run iterates the dispatch loop until ctx is cancelled. In-flight
// pipelines are not cancelled here; call Join afterwards.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info(log.CatDispatch, "Dispatcher started", "pollInterval", d.currentPollInterval().String())
	for {
		d.iterate(ctx)

		sleep := d.nextSleep()
		select {
		case <-ctx.Done():
			log.Info(log.CatDispatch, "Dispatcher stopping")
			return
		case <-time.After(sleep):
		}
	}
}

// Join waits for in-flight pipelines up to timeout, then cancels the
// stragglers and waits for them to unwind.
func (d *Dispatcher) Join(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	log.Warn(log.CatDispatch, "Join timeout, cancelling in-flight pipelines")
	d.mu.Lock()
	for key, cancel := range d.cancels {
		log.Warn(log.CatDispatch, "Cancelling pipeline", "ticket", key)
		cancel()
	}
	d.mu.Unlock()
	<-done
}

// TotalDispatched returns how many tickets have been handed to workers.
func (d *Dispatcher) TotalDispatched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalDispatched
}

// Uptime returns how long the dispatcher has been running.
func (d *Dispatcher) Uptime() time.Duration {
	return time.Since(d.startedAt)
}

// iterate runs one dispatch round.
func (d *Dispatcher) iterate(ctx context.Context) {
	d.maintainLeases()

	candidates := d.gather(ctx)
	candidates = d.filterActive(candidates)

	for _, t := range candidates {
		d.dispatchOne(t)
	}

	d.updateMetricsSnapshot()
}

// maintainLeases releases expired leases. The worker tied to an
// expired lease is not preempted; it may complete late and find its
// ticket already released.
func (d *Dispatcher) maintainLeases() {
	for _, l := range d.pools.ExpiredLeases() {
		log.Warn(log.CatLease, "Lease expired, releasing ticket",
			"ticket", l.TicketKey, "workerID", l.WorkerID, "ttl", l.TTL.String())
		d.pools.ReleaseTicket(l.TicketKey)
		d.removeActive(l.TicketKey)
		if d.metrics != nil {
			d.metrics.RecordLeaseExpiry()
		}
	}
}

// gather drains the webhook queue; when empty it falls back to a single
// synthetic poll candidate. Poll failures back off exponentially.
func (d *Dispatcher) gather(ctx context.Context) []ticket.Ticket {
	if drained := d.pools.Queue().Drain(); len(drained) > 0 {
		log.Info(log.CatDispatch, "Drained webhook queue", "count", len(drained))
		return drained
	}

	polled, err := d.client.PollActionable(ctx)
	if err != nil {
		d.mu.Lock()
		d.pollFailures++
		n := d.pollFailures
		d.sleepOverride = backoffDelay(n - 1)
		d.mu.Unlock()
		log.ErrorErr(log.CatDispatch, "Tracker poll failed", err,
			"failures", n, "backoff", backoffDelay(n-1).String())
		return nil
	}

	d.mu.Lock()
	d.pollFailures = 0
	d.mu.Unlock()
	return polled
}

// filterActive drops tickets already being worked this run, and
// duplicates within the batch.
func (d *Dispatcher) filterActive(candidates []ticket.Ticket) []ticket.Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, t := range candidates {
		if _, active := d.active[t.Key]; active {
			log.Debug(log.CatDispatch, "Skipping active ticket", "ticket", t.Key)
			continue
		}
		if _, dup := seen[t.Key]; dup {
			continue
		}
		seen[t.Key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// dispatchOne routes a ticket, picks a worker, claims a lease, and
// spawns the pipeline.
func (d *Dispatcher) dispatchOne(t ticket.Ticket) {
	d.mu.Lock()
	r := d.router
	d.mu.Unlock()

	pt, model := r.RouteAndSelect(t, d.pools.DefaultModels())

	worker, ok := d.pickWorker(pt)
	if !ok {
		// Placeholder polls are cheap to retry next round; real tickets
		// go back to the queue.
		if !t.IsPollPlaceholder() {
			if err := d.pools.Queue().Enqueue(t); err != nil {
				log.Warn(log.CatDispatch, "No idle worker and queue full, dropping ticket", "ticket", t.Key)
			}
		}
		return
	}

	// A worker on an error streak pauses dispatch instead of taking
	// more work. The delay scales with the streak: 30*2^errors, capped.
	if worker.ConsecutiveErrors >= MaxConsecutiveErrors {
		delay := backoffDelay(worker.ConsecutiveErrors)
		d.mu.Lock()
		d.sleepOverride = delay
		d.mu.Unlock()

		log.Warn(log.CatDispatch, "Worker in back-off, delaying dispatch",
			"workerID", worker.ID, "errors", worker.ConsecutiveErrors,
			"backoff", delay.String())
		d.pools.ResetErrors(worker.ID)
		if !t.IsPollPlaceholder() {
			_ = d.pools.Queue().Enqueue(t)
		}
		return
	}

	if err := d.pools.ClaimTicket(t, worker.ID); err != nil {
		log.Warn(log.CatDispatch, "Could not claim ticket", "ticket", t.Key, "error", err.Error())
		return
	}
	if err := d.pools.StartWork(worker.ID, t); err != nil {
		d.pools.ReleaseTicket(t.Key)
		log.Warn(log.CatDispatch, "Could not start work", "workerID", worker.ID, "error", err.Error())
		return
	}

	pipelineCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.active[t.Key] = struct{}{}
	d.cancels[t.Key] = cancel
	d.totalDispatched++
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordDispatch(string(pt))
	}
	log.Info(log.CatDispatch, "Dispatching ticket",
		"ticket", t.Key, "pool", pt, "workerID", worker.ID, "model", model)

	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		defer cancel()
		d.runPipeline(pipelineCtx, t, worker.ID, pt, model)
	}()
}

// pickWorker returns the idle worker with the fewest consecutive
// errors in the pool, overflowing non-coding work to the coding pool.
func (d *Dispatcher) pickWorker(pt pool.Type) (pool.TypedWorker, bool) {
	idle := d.pools.IdleWorkers(&pt)
	if len(idle) == 0 && pt != pool.TypeCoding {
		coding := pool.TypeCoding
		idle = d.pools.IdleWorkers(&coding)
		if len(idle) > 0 {
			log.Info(log.CatDispatch, "Overflowing to coding pool", "from", pt)
		}
	}
	if len(idle) == 0 {
		return pool.TypedWorker{}, false
	}

	best := idle[0]
	for _, w := range idle[1:] {
		if w.ConsecutiveErrors < best.ConsecutiveErrors {
			best = w
		}
	}
	return best, true
}

// removeActive deletes a ticket key from the active set.
func (d *Dispatcher) removeActive(key string) {
	d.mu.Lock()
	delete(d.active, key)
	delete(d.cancels, key)
	d.mu.Unlock()
}

// nextSleep returns the pause before the next round: the poll interval,
// or a pending back-off override.
func (d *Dispatcher) nextSleep() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sleepOverride > 0 {
		s := d.sleepOverride
		d.sleepOverride = 0
		return s
	}
	return d.pollInterval
}

func (d *Dispatcher) currentPollInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollInterval
}

func (d *Dispatcher) updateMetricsSnapshot() {
	if d.metrics == nil {
		return
	}
	summary := d.pools.StatusSummary()
	busy := 0
	for _, p := range summary.Pools {
		busy += p.Busy
	}
	d.metrics.UpdateSnapshot(d.pools.Queue().Len(), busy, summary.ActiveLeases)
}

// truncateResponse caps the stored agent response.
func truncateResponse(s string) string {
	if len(s) <= responseTruncateLen {
		return s
	}
	return s[:responseTruncateLen]
}

// spanStatus maps a session outcome onto the span.
func spanStatus(span trace.Span, success bool, response string) {
	if success {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, truncateResponse(response))
}
