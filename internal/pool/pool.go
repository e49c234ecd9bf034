package pool

import (
	"errors"
	"fmt"

	"github.com/zjrosen/ticketd/internal/config"
)

// ErrMaxWorkers is returned when adding a worker would exceed the
// pool's max_workers limit.
var ErrMaxWorkers = errors.New("max workers limit reached")

// Pool is a named collection of workers sharing a type and a default
// model tier. Pools only grow during a run; workers are never destroyed.
type Pool struct {
	Type    Type
	Config  config.PoolConfig
	Workers []*TypedWorker

	nextOrdinal int
}

func newPool(t Type, cfg config.PoolConfig) *Pool {
	return &Pool{Type: t, Config: cfg}
}

// addWorker creates a new worker slot. Caller holds the manager mutex.
func (p *Pool) addWorker() (*TypedWorker, error) {
	if len(p.Workers) >= p.Config.MaxWorkers {
		return nil, fmt.Errorf("%w: pool %s at %d workers", ErrMaxWorkers, p.Type, len(p.Workers))
	}
	w := newWorker(p.Type, p.nextOrdinal)
	p.nextOrdinal++
	p.Workers = append(p.Workers, w)
	return w, nil
}

// idleWorkers returns workers currently in idle state. Caller holds the
// manager mutex.
func (p *Pool) idleWorkers() []*TypedWorker {
	var idle []*TypedWorker
	for _, w := range p.Workers {
		if w.Status == WorkerIdle {
			idle = append(idle, w)
		}
	}
	return idle
}

// busyCount returns the number of executing workers. Caller holds the
// manager mutex.
func (p *Pool) busyCount() int {
	n := 0
	for _, w := range p.Workers {
		if w.Status == WorkerExecuting {
			n++
		}
	}
	return n
}
