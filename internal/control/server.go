package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"portbridge/config"
	"portbridge/internal/metrics"
	"portbridge/util"
)

// Server serves the control websocket together with the metrics
// endpoints:
//
//	/control  websocket, JSON requests in, JSON notifications out
//	/metrics  Prometheus exposition
//	/stats    JSON snapshot of the collector
type Server struct {
	disp    *Dispatcher
	hub     *Hub
	metrics *metrics.Collector
	log     *util.Logger

	httpServer *http.Server
	ln         net.Listener

	ctx    context.Context // cancelled on Shutdown, ends sessions
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer returns a Server.  Call Listen, then Serve.
func NewServer(disp *Dispatcher, hub *Hub, m *metrics.Collector, log *util.Logger) *Server {
	s := &Server{disp: disp, hub: hub, metrics: m, log: log}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(config.DefaultControlPath, s.handleControl)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(s.metrics), promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.log.Info("control server on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("control server not listening")
	}
	if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, ends every websocket session and
// waits for them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("timeout waiting for control sessions")
		}
	}
	return err
}

// ── Handlers ─────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, s.metrics.JSON())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("control accept from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()

	s.wg.Add(1)
	defer s.wg.Done()

	s.log.Verbose("control session from %s", r.RemoteAddr)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	notes, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	go func() {
		defer cancel()
		for {
			n, err := notes.Next(ctx)
			if errors.Is(err, ErrSessionSlow) {
				s.log.Warn("control session %s fell behind, closing", r.RemoteAddr)
				conn.Close(websocket.StatusPolicyViolation, "notification backlog exceeded")
				return
			}
			if err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, n); err != nil {
				return
			}
		}
	}()

	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway && ctx.Err() == nil {
				s.log.Verbose("control session %s: %v", r.RemoteAddr, err)
			}
			break
		}
		if err := s.disp.Submit(ctx, req); err != nil {
			s.log.Warn("control request %s: %v", req.Type, err)
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	s.log.Verbose("control session %s ended", r.RemoteAddr)
}
