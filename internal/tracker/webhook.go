package tracker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/ticketd/internal/ticket"
)

// WebhookPayload is the inbound tracker webhook shape (Linear-style).
type WebhookPayload struct {
	Action string      `json:"action"`
	Type   string      `json:"type"`
	Data   WebhookData `json:"data"`
}

// WebhookData carries the issue fields we extract.
type WebhookData struct {
	Identifier  string `json:"identifier"`
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    any    `json:"priority"`
	State       struct {
		Name string `json:"name"`
	} `json:"state"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

// ParseWebhook decodes a raw webhook body.
func ParseWebhook(body []byte) (WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookPayload{}, fmt.Errorf("parse webhook payload: %w", err)
	}
	return p, nil
}

// actionableStates are the tracker state names (lowercased) a webhook
// must be in before we enqueue it.
var actionableStates = map[string]bool{
	"todo":    true,
	"backlog": true,
	"triage":  true,
}

// ShouldEnqueue reports whether the payload describes an actionable
// issue, with a human-readable reason when it does not.
func (p WebhookPayload) ShouldEnqueue() (bool, string) {
	if p.Type != "Issue" {
		return false, fmt.Sprintf("type %q is not Issue", p.Type)
	}
	if p.Action != "create" && p.Action != "update" {
		return false, fmt.Sprintf("action %q is not create or update", p.Action)
	}
	if !actionableStates[strings.ToLower(p.Data.State.Name)] {
		return false, fmt.Sprintf("state %q is not actionable", p.Data.State.Name)
	}
	if p.Key() == "" {
		return false, "payload has no identifier"
	}
	return true, ""
}

// Key returns the ticket key: identifier preferred, id as fallback.
func (p WebhookPayload) Key() string {
	if p.Data.Identifier != "" {
		return p.Data.Identifier
	}
	return p.Data.ID
}

// Ticket converts the payload into a ticket. Status maps from the
// tracker state name; unrecognized states come through as todo.
func (p WebhookPayload) Ticket() ticket.Ticket {
	t := ticket.New(p.Key(), p.Data.Title)
	t.Description = p.Data.Description
	t.Priority = priorityString(p.Data.Priority)
	t.Status = statusFromState(p.Data.State.Name)

	for _, n := range p.Data.Labels.Nodes {
		if n.Name != "" {
			t.Labels = append(t.Labels, n.Name)
		}
	}
	return t
}

// priorityString normalizes the free-form priority field, which Linear
// sends as a number and other trackers as a string.
func priorityString(v any) string {
	switch p := v.(type) {
	case nil:
		return ""
	case string:
		return p
	case float64:
		return fmt.Sprintf("%d", int(p))
	default:
		return fmt.Sprintf("%v", p)
	}
}

func statusFromState(name string) ticket.Status {
	switch strings.ToLower(name) {
	case "in progress", "in_progress", "started":
		return ticket.StatusInProgress
	case "in review", "review":
		return ticket.StatusReview
	case "done", "completed", "closed":
		return ticket.StatusDone
	default:
		return ticket.StatusTodo
	}
}
