package kernels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/readiness"
)

// HTTPServer is the api_gateway kernel. Start binds the listener so an
// address conflict fails the boot attempt; Run serves until cancelled. While
// paused by load shedding every route except /healthz answers 503.
type HTTPServer struct {
	addr         string
	beatInterval time.Duration
	logger       *slog.Logger

	handler atomic.Pointer[http.Handler]
	paused  atomic.Bool

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

var (
	_ kernel.Kernel   = (*HTTPServer)(nil)
	_ kernel.Pausable = (*HTTPServer)(nil)
)

func NewHTTPServer(addr string, beatInterval time.Duration, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{addr: addr, beatInterval: orInterval(beatInterval), logger: logger.With("kernel", "api_gateway")}
}

// SetHandler installs the routes once the control plane exists.
func (s *HTTPServer) SetHandler(h http.Handler) {
	s.handler.Store(&h)
}

// Addr returns the bound address, or the configured one before Start.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *HTTPServer) Start(ctx context.Context, beat kernel.Beat) error {
	if s.handler.Load() == nil {
		return errors.New("api_gateway: no handler installed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	beat()
	return nil
}

func (s *HTTPServer) Run(ctx context.Context, beat kernel.Beat) error {
	s.mu.Lock()
	ln := s.ln
	srv := &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()
	if ln == nil {
		return errors.New("api_gateway: not started")
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.beatInterval)
	defer ticker.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			<-errCh
			s.mu.Lock()
			s.ln = nil
			s.mu.Unlock()
			return err
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("serve: %w", err)
			}
			return errors.New("api_gateway: server exited")
		case <-ticker.C:
			beat()
		}
	}
}

func (s *HTTPServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.paused.Load() && r.URL.Path != "/healthz" {
		http.Error(w, "load shed", http.StatusServiceUnavailable)
		return
	}
	h := s.handler.Load()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	(*h).ServeHTTP(w, r)
}

func (s *HTTPServer) Pause()  { s.paused.Store(true) }
func (s *HTTPServer) Resume() { s.paused.Store(false) }

// Paused reports whether load shedding has paused the gateway.
func (s *HTTPServer) Paused() bool { return s.paused.Load() }

func (s *HTTPServer) SelfTest() readiness.SelfTest {
	return readiness.All(readiness.Probe("listener", func(ctx context.Context) error {
		addr := s.Addr()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}))
}
