package agent

import (
	"fmt"
	"strings"

	"github.com/zjrosen/ticketd/internal/ticket"
)

// ContinuationPrompt builds the prompt handed to a coding worker inside
// its worktree: implement the ticket, commit on the current branch.
func ContinuationPrompt(t ticket.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on ticket %s: %s\n\n", t.Key, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", t.Description)
	}
	b.WriteString("Implement the ticket in this checkout. Commit your work on the\n")
	b.WriteString("current branch when done. Do not switch branches or push.\n")
	return b.String()
}

// ReviewPrompt builds the prompt for review-pool workers, which run in
// the project directory rather than a worktree.
func ReviewPrompt(t ticket.Ticket) string {
	return fmt.Sprintf(
		"Review the work associated with ticket %s: %s\n\n%s\n\nLeave findings as a review summary.",
		t.Key, t.Title, t.Description)
}

// PlanningPrompt builds the prompt for linear-pool workers handling
// triage and planning tickets.
func PlanningPrompt(t ticket.Ticket) string {
	return fmt.Sprintf(
		"Triage and plan ticket %s: %s\n\n%s\n\nBreak the work down and update the tracker.",
		t.Key, t.Title, t.Description)
}

// TrackerSweepPrompt is used with the synthetic poll placeholder: the
// agent checks the tracker itself for actionable work.
func TrackerSweepPrompt() string {
	return "Check the issue tracker for actionable tickets in this project. " +
		"If you find one, work it end to end; otherwise report that the tracker is clear."
}

// PromptFor selects the prompt for a ticket based on the pool it was
// routed to.
func PromptFor(t ticket.Ticket, isolated bool) string {
	if t.IsPollPlaceholder() {
		return TrackerSweepPrompt()
	}
	if isolated {
		return ContinuationPrompt(t)
	}
	if t.HasAnyLabel("review", "pr", "code-review") {
		return ReviewPrompt(t)
	}
	return PlanningPrompt(t)
}
