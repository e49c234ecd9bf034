package pool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/ticketd/internal/config"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/queue"
	"github.com/zjrosen/ticketd/internal/ticket"
)

var (
	// ErrLeaseConflict is returned when claiming a ticket that already
	// has an active lease.
	ErrLeaseConflict = errors.New("ticket already leased")

	// ErrUnknownPool is returned for operations on a pool that was
	// never initialized.
	ErrUnknownPool = errors.New("unknown pool")

	// ErrWorkerNotFound is returned for operations on a worker ID that
	// does not exist in any pool.
	ErrWorkerNotFound = errors.New("worker not found")
)

// PoolSummary is the per-pool slice of a status snapshot.
type PoolSummary struct {
	WorkerCount  int    `json:"worker_count"`
	Idle         int    `json:"idle"`
	Busy         int    `json:"busy"`
	DefaultModel string `json:"default_model"`
	MaxWorkers   int    `json:"max_workers"`
}

// StatusSummary is an advisory snapshot of pool state for the control plane.
type StatusSummary struct {
	TotalWorkers int                    `json:"total_workers"`
	Pools        map[string]PoolSummary `json:"pools"`
	ActiveLeases int                    `json:"active_leases"`
}

// Manager owns the typed worker pools, the lease table, and the inbound
// ticket queue. A single mutex serializes every mutation; the dispatcher
// and control-plane handlers never touch pool internals directly.
type Manager struct {
	mu       sync.Mutex
	pools    map[Type]*Pool
	leases   map[string]TicketLease
	tq       *queue.TicketQueue
	leaseTTL time.Duration

	poolConfigs map[string]config.PoolConfig
}

// NewManager creates a Manager from the daemon configuration. Pools are
// not created until InitializePools is called.
func NewManager(cfg config.DaemonConfig) *Manager {
	return &Manager{
		pools:       make(map[Type]*Pool),
		leases:      make(map[string]TicketLease),
		tq:          queue.New(0),
		leaseTTL:    cfg.LeaseTTLDuration(),
		poolConfigs: cfg.Pools,
	}
}

// Queue returns the inbound ticket queue. It is the sole cross-component
// channel for webhook-delivered tickets.
func (m *Manager) Queue() *queue.TicketQueue {
	return m.tq
}

// InitializePools creates each configured pool and spawns min_workers
// workers. Unknown pool names are logged and skipped.
func (m *Manager) InitializePools() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Deterministic creation order keeps worker ordinals stable in logs.
	names := make([]string, 0, len(m.poolConfigs))
	for name := range m.poolConfigs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := m.poolConfigs[name]
		t, ok := ParseType(name)
		if !ok {
			log.Warn(log.CatPool, "Unknown pool type in config, skipping", "pool", name)
			continue
		}

		p := newPool(t, pc)
		m.pools[t] = p
		for i := 0; i < pc.MinWorkers; i++ {
			w, err := p.addWorker()
			if err != nil {
				log.ErrorErr(log.CatPool, "Failed to spawn initial worker", err, "pool", name)
				break
			}
			log.Info(log.CatPool, "Worker spawned", "workerID", w.ID, "pool", name)
		}
	}
}

// Pools returns the initialized pool types in stable order.
func (m *Manager) Pools() []Type {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Type, 0, len(m.pools))
	for _, t := range KnownTypes {
		if _, ok := m.pools[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// HasPool reports whether the named pool was initialized.
func (m *Manager) HasPool(t Type) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[t]
	return ok
}

// AddWorker grows the given pool by one worker, subject to max_workers.
func (m *Manager) AddWorker(t Type) (TypedWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[t]
	if !ok {
		return TypedWorker{}, fmt.Errorf("%w: %s", ErrUnknownPool, t)
	}
	w, err := p.addWorker()
	if err != nil {
		return TypedWorker{}, err
	}
	log.Info(log.CatPool, "Worker added", "workerID", w.ID, "pool", t)
	return *w, nil
}

// IdleWorkers returns snapshots of idle workers in the given pool, or
// across all pools when t is nil.
func (m *Manager) IdleWorkers(t *Type) []TypedWorker {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TypedWorker
	collect := func(p *Pool) {
		for _, w := range p.idleWorkers() {
			out = append(out, *w)
		}
	}

	if t != nil {
		if p, ok := m.pools[*t]; ok {
			collect(p)
		}
		return out
	}
	for _, pt := range KnownTypes {
		if p, ok := m.pools[pt]; ok {
			collect(p)
		}
	}
	return out
}

// ClaimTicket issues a lease on t for the given worker. Returns
// ErrLeaseConflict if a lease for the ticket key already exists.
func (m *Manager) ClaimTicket(t ticket.Ticket, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.leases[t.Key]; exists {
		return fmt.Errorf("%w: %s", ErrLeaseConflict, t.Key)
	}

	m.leases[t.Key] = TicketLease{
		TicketKey:  t.Key,
		WorkerID:   workerID,
		AcquiredAt: time.Now(),
		TTL:        m.leaseTTL,
	}
	log.Info(log.CatLease, "Lease acquired", "ticket", t.Key, "workerID", workerID)
	return nil
}

// ReleaseTicket deletes the lease for the ticket key. Idempotent.
func (m *Manager) ReleaseTicket(ticketKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[ticketKey]; ok {
		delete(m.leases, ticketKey)
		log.Info(log.CatLease, "Lease released", "ticket", ticketKey)
	}
}

// ExpiredLeases returns every lease past its TTL at call time.
func (m *Manager) ExpiredLeases() []TicketLease {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []TicketLease
	for _, l := range m.leases {
		if l.IsExpired(now) {
			expired = append(expired, l)
		}
	}
	return expired
}

// ActiveLeases returns the current lease count.
func (m *Manager) ActiveLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// StartWork transitions the worker to executing with the given ticket.
func (m *Manager) StartWork(workerID string, t ticket.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.findWorker(workerID)
	if err != nil {
		return err
	}
	if w.Status != WorkerIdle {
		return fmt.Errorf("worker %s is not idle (status: %s)", workerID, w.Status)
	}

	tk := t
	w.Status = WorkerExecuting
	w.CurrentTicket = &tk
	return nil
}

// FinishWork resets the worker to idle, clearing its current ticket.
// On success the consecutive-error counter resets and the completion
// counter increments; on failure the error counter increments.
func (m *Manager) FinishWork(workerID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.findWorker(workerID)
	if err != nil {
		return
	}

	if success {
		w.ConsecutiveErrors = 0
		w.TicketsCompleted++
	} else {
		w.ConsecutiveErrors++
	}
	w.Status = WorkerIdle
	w.CurrentTicket = nil
}

// ResetErrors zeroes a worker's consecutive-error counter (used by the
// dispatcher's back-off handling).
func (m *Manager) ResetErrors(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, err := m.findWorker(workerID); err == nil {
		w.ConsecutiveErrors = 0
	}
}

// SetWorktree records the worktree path and port assigned to a worker.
// Empty path and nil port clear the assignment.
func (m *Manager) SetWorktree(workerID, path string, port *int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, err := m.findWorker(workerID); err == nil {
		w.WorktreePath = path
		w.Port = port
	}
}

// ResizePool updates max_workers for the pool and immediately tops the
// pool up to min_workers. Never shrinks existing workers.
func (m *Manager) ResizePool(t Type, newMax int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, t)
	}

	old := p.Config.MaxWorkers
	p.Config.MaxWorkers = newMax
	for len(p.Workers) < p.Config.MinWorkers && len(p.Workers) < newMax {
		w, err := p.addWorker()
		if err != nil {
			break
		}
		log.Info(log.CatPool, "Worker added on resize", "workerID", w.ID, "pool", t)
	}

	if old != newMax {
		log.Info(log.CatPool, "Pool resized", "pool", t, "oldMax", old, "newMax", newMax)
	}
	return nil
}

// WorkerSnapshots returns copies of every worker across all pools,
// ordered by pool type then ordinal.
func (m *Manager) WorkerSnapshots() []TypedWorker {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TypedWorker
	for _, pt := range KnownTypes {
		p, ok := m.pools[pt]
		if !ok {
			continue
		}
		for _, w := range p.Workers {
			out = append(out, *w)
		}
	}
	return out
}

// Worker returns a snapshot of the worker with the given ID.
func (m *Manager) Worker(workerID string) (TypedWorker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.findWorker(workerID)
	if err != nil {
		return TypedWorker{}, false
	}
	return *w, true
}

// TrackedWorkerIDs returns every worker ID across all pools.
func (m *Manager) TrackedWorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, p := range m.pools {
		for _, w := range p.Workers {
			ids = append(ids, w.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// DefaultModels returns the default model tier per initialized pool.
func (m *Manager) DefaultModels() map[Type]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Type]string, len(m.pools))
	for t, p := range m.pools {
		out[t] = p.Config.DefaultModel
	}
	return out
}

// TotalCompleted sums tickets_completed across all workers.
func (m *Manager) TotalCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, p := range m.pools {
		for _, w := range p.Workers {
			total += w.TicketsCompleted
		}
	}
	return total
}

// StatusSummary returns an advisory snapshot for the control plane.
func (m *Manager) StatusSummary() StatusSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := StatusSummary{
		Pools:        make(map[string]PoolSummary, len(m.pools)),
		ActiveLeases: len(m.leases),
	}
	for t, p := range m.pools {
		s.TotalWorkers += len(p.Workers)
		s.Pools[string(t)] = PoolSummary{
			WorkerCount:  len(p.Workers),
			Idle:         len(p.idleWorkers()),
			Busy:         p.busyCount(),
			DefaultModel: p.Config.DefaultModel,
			MaxWorkers:   p.Config.MaxWorkers,
		}
	}
	return s
}

// findWorker locates a worker by ID. Caller holds the mutex.
func (m *Manager) findWorker(workerID string) (*TypedWorker, error) {
	for _, p := range m.pools {
		for _, w := range p.Workers {
			if w.ID == workerID {
				return w, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
}
