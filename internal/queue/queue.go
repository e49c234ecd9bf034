// Package queue provides a thread-safe FIFO queue of inbound tickets.
// The control-plane webhook handler is the sole producer and the
// dispatcher is the sole consumer, though the queue itself is safe for
// concurrent use.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/ticketd/internal/ticket"
)

// DefaultMaxSize is the default maximum number of tickets a queue can hold.
const DefaultMaxSize = 1000

// ErrQueueFull is returned when attempting to enqueue to a full queue.
var ErrQueueFull = errors.New("ticket queue is full")

// Entry is a ticket waiting to be dispatched.
type Entry struct {
	ID         string        // Unique entry identifier
	Ticket     ticket.Ticket // The ticket payload
	EnqueuedAt time.Time     // When the entry was accepted
}

// TicketQueue is a bounded FIFO queue of tickets.
type TicketQueue struct {
	entries []Entry
	mu      sync.Mutex
	maxSize int
}

// New creates a TicketQueue with the specified maximum size.
// If maxSize is <= 0, DefaultMaxSize is used.
func New(maxSize int) *TicketQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &TicketQueue{
		entries: make([]Entry, 0),
		maxSize: maxSize,
	}
}

// Enqueue adds a ticket to the back of the queue.
// Returns ErrQueueFull if the queue is at maximum capacity.
func (q *TicketQueue) Enqueue(t ticket.Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.entries = append(q.entries, Entry{
		ID:         uuid.NewString(),
		Ticket:     t,
		EnqueuedAt: time.Now(),
	})
	return nil
}

// Dequeue removes and returns the ticket at the front of the queue.
// Returns (zero value, false) if the queue is empty.
func (q *TicketQueue) Dequeue() (ticket.Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return ticket.Ticket{}, false
	}

	e := q.entries[0]
	q.entries = q.entries[1:]
	return e.Ticket, true
}

// Peek returns the ticket at the front of the queue without removing it.
func (q *TicketQueue) Peek() (ticket.Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return ticket.Ticket{}, false
	}
	return q.entries[0].Ticket, true
}

// Drain removes and returns all tickets from the queue in FIFO order,
// leaving it empty.
func (q *TicketQueue) Drain() []ticket.Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []ticket.Ticket{}
	}

	out := make([]ticket.Ticket, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Ticket
	}
	q.entries = make([]Entry, 0)
	return out
}

// Len returns the current number of tickets in the queue.
func (q *TicketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
