// Package router maps tickets to a (pool, model) pair via ordered
// routing rules, falling back to label inference and a complexity
// heuristic when no rule matches.
package router

import (
	"regexp"
	"strings"

	"github.com/zjrosen/ticketd/internal/config"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/pool"
	"github.com/zjrosen/ticketd/internal/ticket"
)

// Model tiers. Symbolic names resolved to concrete model identifiers
// via ModelIDs.
const (
	TierHaiku  = "haiku"
	TierSonnet = "sonnet"
	TierOpus   = "opus"
)

// ModelIDs resolves symbolic tier names to concrete model identifiers.
var ModelIDs = map[string]string{
	TierHaiku:  "claude-haiku-4-5",
	TierSonnet: "claude-sonnet-4-6",
	TierOpus:   "claude-opus-4-6",
}

// ResolveModel returns the concrete model ID for a tier name. Unknown
// names pass through unchanged so operators can pin exact model IDs in
// config.
func ResolveModel(tier string) string {
	if id, ok := ModelIDs[tier]; ok {
		return id
	}
	return tier
}

// Keyword lists for the complexity heuristic, applied to the lowercased
// concatenation of title and description.
var (
	highComplexityKeywords = []string{
		"refactor", "redesign", "migrate", "architecture", "performance",
		"security", "database", "auth", "authentication", "integration",
		"real-time", "websocket", "infrastructure",
	}
	lowComplexityKeywords = []string{
		"typo", "rename", "label", "color", "text", "copy", "readme",
		"comment", "lint", "format", "style", "docs", "documentation",
	}
)

// Router routes tickets using an ordered rule list; first match wins.
// Routers are immutable - a config reload builds a fresh Router and
// swaps the pointer.
type Router struct {
	rules []config.RoutingRule
}

// New creates a Router from an ordered list of routing rules.
func New(rules []config.RoutingRule) *Router {
	return &Router{rules: rules}
}

// Route returns the pool type for a ticket: the first matching rule's
// pool, or label/fallback inference when no rule matches.
func (r *Router) Route(t ticket.Ticket) pool.Type {
	if rule, ok := r.firstMatch(t); ok {
		if pt, known := pool.ParseType(rule.Pool); known {
			return pt
		}
		log.Warn(log.CatRouter, "Rule routes to unknown pool, falling back to inference",
			"pool", rule.Pool, "ticket", t.Key)
	}
	return inferPool(t)
}

// RouteAndSelect returns the pool and concrete model ID for a ticket.
// A matching rule supplies both. Otherwise the pool is inferred, the
// model follows estimated complexity (haiku/sonnet/opus), and a
// non-empty pool default model overrides the complexity choice.
func (r *Router) RouteAndSelect(t ticket.Ticket, poolDefaults map[pool.Type]string) (pool.Type, string) {
	if rule, ok := r.firstMatch(t); ok {
		if pt, known := pool.ParseType(rule.Pool); known {
			return pt, ResolveModel(rule.Model)
		}
	}

	pt := inferPool(t)

	var tier string
	switch EstimateComplexity(t) {
	case ticket.ComplexityLow:
		tier = TierHaiku
	case ticket.ComplexityHigh:
		tier = TierOpus
	default:
		tier = TierSonnet
	}

	if def := poolDefaults[pt]; def != "" {
		tier = def
	}
	return pt, ResolveModel(tier)
}

// firstMatch returns the first rule whose match map fully matches t.
func (r *Router) firstMatch(t ticket.Ticket) (config.RoutingRule, bool) {
	for _, rule := range r.rules {
		if ruleMatches(rule, t) {
			return rule, true
		}
	}
	return config.RoutingRule{}, false
}

// ruleMatches reports whether every field in the rule's match map
// matches the ticket. An empty match map matches every ticket (used as
// a catch-all). Unknown match keys cause the rule to fail.
func ruleMatches(rule config.RoutingRule, t ticket.Ticket) bool {
	for field, expected := range rule.Match {
		switch field {
		case "labels":
			if !matchLabels(expected, t) {
				return false
			}
		case "complexity":
			if !strings.EqualFold(toString(expected), string(t.EffectiveComplexity())) {
				return false
			}
		case "priority":
			if !strings.EqualFold(toString(expected), t.Priority) {
				return false
			}
		case "status":
			if !strings.EqualFold(toString(expected), string(t.Status)) {
				return false
			}
		case "title_pattern":
			if !matchTitle(toString(expected), t.Title) {
				return false
			}
		default:
			log.Warn(log.CatRouter, "Unknown match field in routing rule", "field", field)
			return false
		}
	}
	return true
}

// matchLabels is any-of: the ticket needs at least one of the expected labels.
func matchLabels(expected any, t ticket.Ticket) bool {
	switch v := expected.(type) {
	case string:
		return t.HasLabel(v)
	case []string:
		return t.HasAnyLabel(v...)
	case []any:
		for _, item := range v {
			if t.HasLabel(toString(item)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// matchTitle tries a case-insensitive substring first, then falls back
// to treating the pattern as a regular expression.
func matchTitle(pattern, title string) bool {
	if pattern == "" {
		return true
	}
	if strings.Contains(strings.ToLower(title), strings.ToLower(pattern)) {
		return true
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false
	}
	return re.MatchString(title)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// EstimateComplexity refines a ticket's complexity when it is unset or
// medium: high-complexity keywords win, then low-complexity keywords,
// else medium. An explicit low or high complexity is returned as-is.
func EstimateComplexity(t ticket.Ticket) ticket.Complexity {
	c := t.EffectiveComplexity()
	if c != ticket.ComplexityMedium {
		return c
	}

	text := strings.ToLower(t.Title + " " + t.Description)
	for _, kw := range highComplexityKeywords {
		if strings.Contains(text, kw) {
			return ticket.ComplexityHigh
		}
	}
	for _, kw := range lowComplexityKeywords {
		if strings.Contains(text, kw) {
			return ticket.ComplexityLow
		}
	}
	return ticket.ComplexityMedium
}

// inferPool routes by label when no rule matched: review-ish labels go
// to the review pool, planning-ish labels to linear, everything else to
// coding.
func inferPool(t ticket.Ticket) pool.Type {
	if t.HasAnyLabel("review", "pr", "code-review") {
		return pool.TypeReview
	}
	if t.HasAnyLabel("linear", "triage", "planning") {
		return pool.TypeLinear
	}
	return pool.TypeCoding
}
