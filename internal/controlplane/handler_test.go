package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ticketd/internal/config"
	"github.com/zjrosen/ticketd/internal/journal"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/metrics"
	"github.com/zjrosen/ticketd/internal/pool"
	"github.com/zjrosen/ticketd/internal/ticket"
)

func newTicket(key string) ticket.Ticket {
	return ticket.New(key, "test ticket")
}

func newTestHandler(t *testing.T) (*Handler, *pool.Manager) {
	t.Helper()
	pm := pool.NewManager(config.Defaults())
	pm.InitializePools()
	h := NewHandler(HandlerConfig{Pools: pm, Metrics: metrics.NewCollector()})
	return h, pm
}

func doRequest(h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "close", rec.Header().Get("Connection"))

	resp := decode[HealthResponse](t, rec)
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, 3, resp.TotalWorkers, "one min worker per default pool")
	require.Zero(t, resp.QueueDepth)
}

func TestListWorkers(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ListWorkersResponse](t, rec)
	require.Equal(t, 3, resp.Total)
	require.Equal(t, "coding-0", resp.Workers[0].ID)
}

func TestAddWorkers(t *testing.T) {
	h, _ := newTestHandler(t)

	// Default coding pool: 1 worker, max 3. Asking for 5 adds only 2.
	rec := doRequest(h, http.MethodPost, "/workers", AddWorkersRequest{Pool: "coding", Count: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[AddWorkersResponse](t, rec)
	require.Equal(t, 2, resp.Added)
	require.Equal(t, "coding", resp.Pool)
	require.Equal(t, 5, resp.TotalWorkers)
}

func TestAddWorkers_Validation(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPost, "/workers", AddWorkersRequest{Pool: "gpu", Count: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodPost, "/workers", AddWorkersRequest{Pool: "coding", Count: 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/workers", bytes.NewBufferString("{bad"))
	rec2 := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestPoolsSummary(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[pool.StatusSummary](t, rec)
	require.Len(t, resp.Pools, 3)
	require.Equal(t, 3, resp.Pools["coding"].MaxWorkers)
}

func TestResizePool(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPatch, "/pools/coding", ResizePoolRequest{MaxWorkers: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[pool.StatusSummary](t, rec)
	require.Equal(t, 5, resp.Pools["coding"].MaxWorkers)
}

func TestResizePool_Errors(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodPatch, "/pools/gpu", ResizePoolRequest{MaxWorkers: 5})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(h, http.MethodPatch, "/pools/coding", ResizePoolRequest{MaxWorkers: 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

const actionableWebhook = `{
  "action": "create",
  "type": "Issue",
  "data": {
    "identifier": "ENG-1",
    "title": "Add retry",
    "description": "",
    "state": {"name": "Todo"},
    "labels": {"nodes": []}
  }
}`

func TestWebhook_Enqueues(t *testing.T) {
	h, pm := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/linear", bytes.NewBufferString(actionableWebhook))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[WebhookResponse](t, rec)
	require.Equal(t, "enqueued", resp.Status)
	require.Equal(t, "ENG-1", resp.Ticket)
	require.Equal(t, 1, pm.Queue().Len())
}

func TestWebhook_DeduplicatesRedelivery(t *testing.T) {
	h, pm := newTestHandler(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook/linear", bytes.NewBufferString(actionableWebhook))
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)

		resp := decode[WebhookResponse](t, rec)
		if i == 0 {
			require.Equal(t, "enqueued", resp.Status)
		} else {
			require.Equal(t, "ignored", resp.Status)
			require.Equal(t, "duplicate delivery", resp.Reason)
		}
	}
	require.Equal(t, 1, pm.Queue().Len())
}

func TestWebhook_IgnoresNonActionable(t *testing.T) {
	h, pm := newTestHandler(t)

	payload := `{"action":"remove","type":"Issue","data":{"identifier":"ENG-2","state":{"name":"Todo"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/linear", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[WebhookResponse](t, rec)
	require.Equal(t, "ignored", resp.Status)
	require.NotEmpty(t, resp.Reason)
	require.Zero(t, pm.Queue().Len())
}

func TestWebhook_BadJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/linear", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueDepth(t *testing.T) {
	h, pm := newTestHandler(t)
	require.NoError(t, pm.Queue().Enqueue(newTicket("ENG-7")))

	rec := doRequest(h, http.MethodGet, "/queue", nil)
	resp := decode[QueueResponse](t, rec)
	require.Equal(t, 1, resp.Depth)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHistory(t *testing.T) {
	pm := pool.NewManager(config.Defaults())
	pm.InitializePools()

	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	defer j.Close()

	now := time.Now()
	require.NoError(t, j.Record(context.Background(), journal.Run{
		TicketKey: "ENG-1", WorkerID: "coding-0", Pool: "coding",
		Model: "m", Status: "continue", StartedAt: now, FinishedAt: now,
	}))

	h := NewHandler(HandlerConfig{Pools: pm, Journal: j})
	rec := doRequest(h, http.MethodGet, "/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HistoryResponse](t, rec)
	require.Equal(t, 1, resp.Total)
	require.Equal(t, "ENG-1", resp.Runs[0].TicketKey)
}

func TestStreamLogs(t *testing.T) {
	log.InitStderr()
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/logs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()

	// The subscription registers after the headers arrive, so keep
	// logging until a line flows back.
	var got string
	require.Eventually(t, func() bool {
		log.Info(log.CatHTTP, "stream probe")
		select {
		case got = <-lines:
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	require.Contains(t, got, "stream probe")
}

func TestHistory_DisabledJournal(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
