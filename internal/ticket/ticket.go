// Package ticket defines the immutable unit of work the daemon dispatches.
package ticket

import "strings"

// Status is the tracker-side lifecycle state of a ticket.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Complexity is a coarse estimate of how much work a ticket requires.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// PollPlaceholderKey is the key of the synthetic ticket the poller yields
// when the webhook queue is empty. The agent runtime interprets it as
// "go look for work yourself".
const PollPlaceholderKey = "TRACKER-POLL"

// Ticket is an immutable record of a unit of work.
// Identity, equality and hashing are by Key alone; all other fields are
// informational. Tickets are never mutated after enqueue - state changes
// are reflected by the tracker.
type Ticket struct {
	Key         string     `json:"key"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    string     `json:"priority"`
	Complexity  Complexity `json:"complexity"`
	Labels      []string   `json:"labels"`
}

// New creates a ticket with the given key and title, defaulting status to
// todo and complexity to medium.
func New(key, title string) Ticket {
	return Ticket{
		Key:        key,
		Title:      title,
		Status:     StatusTodo,
		Complexity: ComplexityMedium,
	}
}

// PollPlaceholder returns the synthetic tracker-check ticket.
func PollPlaceholder() Ticket {
	return Ticket{
		Key:        PollPlaceholderKey,
		Title:      "Check tracker for actionable work",
		Status:     StatusTodo,
		Complexity: ComplexityMedium,
	}
}

// IsPollPlaceholder reports whether t is the synthetic tracker-check ticket.
func (t Ticket) IsPollPlaceholder() bool {
	return t.Key == PollPlaceholderKey
}

// EffectiveComplexity returns the ticket's complexity, treating unset as medium.
func (t Ticket) EffectiveComplexity() Complexity {
	if t.Complexity == "" {
		return ComplexityMedium
	}
	return t.Complexity
}

// HasLabel reports whether the ticket carries the given label,
// case-insensitively.
func (t Ticket) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// HasAnyLabel reports whether the ticket carries any of the given labels.
func (t Ticket) HasAnyLabel(labels ...string) bool {
	for _, l := range labels {
		if t.HasLabel(l) {
			return true
		}
	}
	return false
}

// Equal reports key-based equality.
func (t Ticket) Equal(other Ticket) bool {
	return t.Key == other.Key
}
