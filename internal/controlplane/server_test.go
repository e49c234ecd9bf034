package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ticketd/internal/config"
	"github.com/zjrosen/ticketd/internal/pool"
)

func TestServer_ServesOnLoopback(t *testing.T) {
	pm := pool.NewManager(config.Defaults())
	pm.InitializePools()
	h := NewHandler(HandlerConfig{Pools: pm})

	srv, err := NewServer(h, 0)
	require.NoError(t, err)
	require.NotZero(t, srv.Port())

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-done)
}

func TestServer_BindConflict(t *testing.T) {
	pm := pool.NewManager(config.Defaults())
	pm.InitializePools()
	h := NewHandler(HandlerConfig{Pools: pm})

	srv, err := NewServer(h, 0)
	require.NoError(t, err)
	defer srv.Stop(context.Background())

	_, err = NewServer(h, srv.Port())
	require.Error(t, err, "second bind on the same port must fail")
}
