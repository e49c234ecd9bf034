package controlplane

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/ticketd/internal/log"
)

// ReadTimeout bounds reading an entire control plane request. Clients
// are local tools and webhooks; anything slower is stuck.
const ReadTimeout = 5 * time.Second

// Server binds the control plane to loopback and manages its lifecycle.
// A bind failure is surfaced to the caller, which treats it as
// non-fatal: the daemon runs headless without its HTTP surface.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer creates a server for the handler on 127.0.0.1:port. Port 0
// lets the OS pick; read the result from Port().
func NewServer(h *Handler, port int) (*Server, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind control plane on %s: %w", addr, err)
	}

	actual := port
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		actual = tcpAddr.Port
	}

	return &Server{
		listener: listener,
		port:     actual,
		server: &http.Server{
			Handler:           h.Routes(),
			ReadTimeout:       ReadTimeout,
			ReadHeaderTimeout: ReadTimeout,
		},
	}, nil
}

// Start serves until Stop or a listener error. Blocks; run it in its
// own goroutine.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "Control plane listening", "addr", s.listener.Addr().String())
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "Stopping control plane")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}
