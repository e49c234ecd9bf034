// Package pool manages the typed worker pools, ticket leases, and the
// inbound ticket queue. A single Manager mutex guards all shared state;
// the dispatcher and the control plane mutate pools only through it.
package pool

import (
	"fmt"
	"time"

	"github.com/zjrosen/ticketd/internal/ticket"
)

// Type identifies a worker pool. The set is static; unknown names in
// configuration are logged and ignored.
type Type string

const (
	TypeCoding Type = "coding"
	TypeReview Type = "review"
	TypeLinear Type = "linear"
)

// KnownTypes lists every valid pool type.
var KnownTypes = []Type{TypeCoding, TypeReview, TypeLinear}

// ParseType returns the Type for name, or false for unknown names.
func ParseType(name string) (Type, bool) {
	for _, t := range KnownTypes {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// RequiresIsolation reports whether workers of this pool run inside a
// dedicated worktree with a reserved port. Only the coding pool does.
func (t Type) RequiresIsolation() bool {
	return t == TypeCoding
}

// WorkerStatus is the execution state of a worker slot.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerExecuting WorkerStatus = "executing"
	WorkerDraining  WorkerStatus = "draining"
)

// TypedWorker is a named execution slot within a pool.
//
// Invariants: a worker belongs to exactly one pool; CurrentTicket is
// non-nil iff Status is executing; WorktreePath non-empty implies an
// underlying checkout exists. Worker IDs are stable "{pool}-{ordinal}"
// strings, assigned at creation and never reused.
type TypedWorker struct {
	ID                string         `json:"id"`
	PoolType          Type           `json:"pool"`
	Status            WorkerStatus   `json:"status"`
	CurrentTicket     *ticket.Ticket `json:"current_ticket,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	TicketsCompleted  int            `json:"tickets_completed"`
	WorktreePath      string         `json:"worktree_path,omitempty"`
	Port              *int           `json:"port,omitempty"`
}

func newWorker(poolType Type, ordinal int) *TypedWorker {
	return &TypedWorker{
		ID:        fmt.Sprintf("%s-%d", poolType, ordinal),
		PoolType:  poolType,
		Status:    WorkerIdle,
		StartedAt: time.Now(),
	}
}

// TicketLease is a time-bounded claim on a ticket held by a worker.
// At most one lease exists per ticket key at any instant.
type TicketLease struct {
	TicketKey  string        `json:"ticket_key"`
	WorkerID   string        `json:"worker_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// IsExpired reports whether the lease has outlived its TTL.
func (l TicketLease) IsExpired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) > l.TTL
}
