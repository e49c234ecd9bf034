// Package controlplane exposes the daemon's HTTP surface: status reads,
// pool mutations, the tracker webhook sink, metrics, and run history.
package controlplane

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/ticketd/internal/journal"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/metrics"
	"github.com/zjrosen/ticketd/internal/pool"
	"github.com/zjrosen/ticketd/internal/tracker"
)

// webhookDedupTTL is how long a ticket key blocks repeat webhook
// deliveries. Trackers redeliver aggressively on slow responses.
const webhookDedupTTL = 30 * time.Second

// maxWebhookBody bounds the webhook request body.
const maxWebhookBody = 1 << 20

// Handler serves the control plane endpoints. It only reads snapshots
// and mutates pool membership; it never invokes an agent.
type Handler struct {
	pools     *pool.Manager
	metrics   *metrics.Collector
	journal   *journal.Journal // nil when the run journal is disabled
	dedup     *cache.Cache
	startedAt time.Time
}

// HandlerConfig wires the handler's collaborators. Metrics and Journal
// are optional; their endpoints 404 when absent.
type HandlerConfig struct {
	Pools   *pool.Manager
	Metrics *metrics.Collector
	Journal *journal.Journal
}

// NewHandler creates the control plane handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		pools:     cfg.Pools,
		metrics:   cfg.Metrics,
		journal:   cfg.Journal,
		dedup:     cache.New(webhookDedupTTL, 2*webhookDedupTTL),
		startedAt: time.Now(),
	}
}

// Routes returns the full route table wrapped in the recovery and
// connection-close middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /workers", h.ListWorkers)
	mux.HandleFunc("POST /workers", h.AddWorkers)
	mux.HandleFunc("GET /pools", h.Pools)
	mux.HandleFunc("PATCH /pools/{name}", h.ResizePool)
	mux.HandleFunc("GET /queue", h.QueueDepth)
	mux.HandleFunc("POST /webhook/linear", h.Webhook)
	mux.HandleFunc("GET /history", h.History)
	mux.HandleFunc("GET /logs", h.StreamLogs)

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	return h.middleware(mux)
}

// middleware closes every connection after its response and converts
// handler panics into a 500.
func (h *Handler) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error(log.CatHTTP, "Handler panic",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		w.Header().Set("Connection", "close")
		next.ServeHTTP(w, r)
	})
}

// === Response types ===

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	TotalWorkers     int    `json:"total_workers"`
	QueueDepth       int    `json:"queue_depth"`
	TicketsCompleted int    `json:"tickets_completed"`
}

// ListWorkersResponse is the body for GET /workers.
type ListWorkersResponse struct {
	Workers []pool.TypedWorker `json:"workers"`
	Total   int                `json:"total"`
}

// AddWorkersRequest is the body for POST /workers.
type AddWorkersRequest struct {
	Pool  string `json:"pool"`
	Count int    `json:"count"`
}

// AddWorkersResponse reports how many workers were actually added;
// additions stop once max_workers is reached.
type AddWorkersResponse struct {
	Added        int    `json:"added"`
	Pool         string `json:"pool"`
	TotalWorkers int    `json:"total_workers"`
}

// ResizePoolRequest is the body for PATCH /pools/{name}.
type ResizePoolRequest struct {
	MaxWorkers int `json:"max_workers"`
}

// QueueResponse is the body for GET /queue.
type QueueResponse struct {
	Depth int `json:"depth"`
}

// WebhookResponse is the body for POST /webhook/linear.
type WebhookResponse struct {
	Status string `json:"status"` // "enqueued" or "ignored"
	Ticket string `json:"ticket,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HistoryResponse is the body for GET /history.
type HistoryResponse struct {
	Runs  []journal.Run `json:"runs"`
	Total int           `json:"total"`
}

// ErrorResponse is the body for error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// === Handlers ===

// Health reports liveness and headline counters.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	summary := h.pools.StatusSummary()
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(h.startedAt).Seconds()),
		TotalWorkers:     summary.TotalWorkers,
		QueueDepth:       h.pools.Queue().Len(),
		TicketsCompleted: h.pools.TotalCompleted(),
	})
}

// ListWorkers returns a snapshot of every worker.
// GET /workers
func (h *Handler) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := h.pools.WorkerSnapshots()
	h.writeJSON(w, http.StatusOK, ListWorkersResponse{Workers: workers, Total: len(workers)})
}

// AddWorkers grows a pool by up to count workers.
// POST /workers
func (h *Handler) AddWorkers(w http.ResponseWriter, r *http.Request) {
	var req AddWorkersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	t, ok := pool.ParseType(req.Pool)
	if !ok || !h.pools.HasPool(t) {
		h.writeError(w, http.StatusBadRequest, "unknown_pool", "unknown pool: "+req.Pool)
		return
	}
	if req.Count < 1 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "count must be >= 1")
		return
	}

	added := 0
	for i := 0; i < req.Count; i++ {
		if _, err := h.pools.AddWorker(t); err != nil {
			break
		}
		added++
	}
	h.writeJSON(w, http.StatusOK, AddWorkersResponse{
		Added:        added,
		Pool:         req.Pool,
		TotalWorkers: h.pools.StatusSummary().TotalWorkers,
	})
}

// Pools returns the pool status summary.
// GET /pools
func (h *Handler) Pools(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pools.StatusSummary())
}

// ResizePool updates max_workers for one pool.
// PATCH /pools/{name}
func (h *Handler) ResizePool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	t, ok := pool.ParseType(name)
	if !ok || !h.pools.HasPool(t) {
		h.writeError(w, http.StatusNotFound, "unknown_pool", "unknown pool: "+name)
		return
	}

	var req ResizePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.MaxWorkers < 1 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "max_workers must be >= 1")
		return
	}

	if err := h.pools.ResizePool(t, req.MaxWorkers); err != nil {
		h.writeError(w, http.StatusNotFound, "unknown_pool", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.pools.StatusSummary())
}

// QueueDepth returns the current webhook queue depth.
// GET /queue
func (h *Handler) QueueDepth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, QueueResponse{Depth: h.pools.Queue().Len()})
}

// Webhook ingests a tracker delivery, enqueueing actionable issues.
// POST /webhook/linear
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read_error", "failed to read body")
		return
	}

	payload, err := tracker.ParseWebhook(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid webhook payload")
		return
	}

	if ok, reason := payload.ShouldEnqueue(); !ok {
		log.Debug(log.CatHTTP, "Webhook ignored", "reason", reason)
		h.recordWebhook(false)
		h.writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: reason})
		return
	}

	t := payload.Ticket()

	// Trackers redeliver; drop repeats of the same key within the TTL.
	if _, seen := h.dedup.Get(t.Key); seen {
		h.recordWebhook(false)
		h.writeJSON(w, http.StatusOK, WebhookResponse{
			Status: "ignored", Ticket: t.Key, Reason: "duplicate delivery",
		})
		return
	}

	if err := h.pools.Queue().Enqueue(t); err != nil {
		h.recordWebhook(false)
		h.writeJSON(w, http.StatusOK, WebhookResponse{
			Status: "ignored", Ticket: t.Key, Reason: "queue full",
		})
		return
	}
	h.dedup.SetDefault(t.Key, struct{}{})
	h.recordWebhook(true)

	log.Info(log.CatHTTP, "Webhook enqueued ticket", "ticket", t.Key, "title", t.Title)
	h.writeJSON(w, http.StatusOK, WebhookResponse{Status: "enqueued", Ticket: t.Key})
}

// History returns recent journal rows, newest first.
// GET /history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusNotFound, "journal_disabled", "run journal is disabled")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
			return
		}
		limit = n
	}

	runs, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		log.ErrorErr(log.CatHTTP, "Failed to query run history", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to query history")
		return
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Total: len(runs)})
}

// StreamLogs streams log entries as plain text until the client
// disconnects. Entries logged before the subscription began are not
// replayed.
// GET /logs
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range log.Subscribe(r.Context()) {
		if _, err := io.WriteString(w, event.Payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) recordWebhook(enqueued bool) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(enqueued)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "Failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
