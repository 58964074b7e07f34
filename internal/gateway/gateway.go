// Package gateway is the operator HTTP surface of the grace daemon: kernel
// status and lifecycle, remediation primitives, escalation state, and a
// websocket stream of control-plane events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/kernels"
	graceotel "github.com/basket/grace/internal/otel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
	"github.com/basket/grace/internal/repair"
	"github.com/basket/grace/internal/shared"
)

// Control is the slice of the control plane the API drives.
type Control interface {
	Snapshot(name string) (controlplane.Snapshot, error)
	Snapshots() []controlplane.Snapshot
	Load(name string) (kernel.Load, bool)
	SystemDegraded() (bool, []string)
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	ScaleWorkers(ctx context.Context, queue string, delta int) (controlplane.RemediationResult, error)
	ShedLoad(ctx context.Context, reason string) (controlplane.RemediationResult, error)
	RestoreLoad(ctx context.Context) (controlplane.RemediationResult, error)
	RestoreModelWeights(ctx context.Context, file string) (controlplane.RemediationResult, error)
	ShedKernels() []string
}

// Escalation exposes the repair layer's state.
type Escalation interface {
	State() repair.EscalationState
}

// CloseWatcher reports the healer watchdog's close-watch mode.
type CloseWatcher interface {
	CloseWatch() bool
}

type Config struct {
	Control    Control
	Escalation Escalation
	Watchdog   CloseWatcher
	Diagnoser  interface {
		Diagnose(ctx context.Context, kernels []string) ([]string, error)
	}
	Readiness *readiness.Registry
	Store     *persistence.Store
	Bus       *bus.Bus
	Pool      *kernels.WorkerPool
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   interface {
		Collect(ctx context.Context) ([]graceotel.Point, error)
	}

	AuthToken         string
	Gateway           config.GatewayConfig
	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *AuthMiddleware
	limit  *RateLimitMiddleware
	start  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component_name", "gateway"),
		auth:   NewAuthMiddleware(cfg.AuthToken),
		limit:  NewRateLimitMiddleware(cfg.Gateway.RateLimit, logger),
		start:  time.Now(),
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/events", s.handleWSEvents)

	mux.HandleFunc("GET /api/kernels", s.handleKernels)
	mux.HandleFunc("GET /api/kernels/{name}", s.handleKernel)
	mux.HandleFunc("POST /api/kernels/{name}/{action}", s.handleKernelAction)

	mux.HandleFunc("POST /api/remediation/scale", s.handleScale)
	mux.HandleFunc("POST /api/remediation/shed", s.handleShed)
	mux.HandleFunc("POST /api/remediation/restore-load", s.handleRestoreLoad)
	mux.HandleFunc("POST /api/remediation/restore-weights", s.handleRestoreWeights)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)

	mux.HandleFunc("GET /api/escalation", s.handleEscalation)
	mux.HandleFunc("POST /api/escalation/diagnose", s.handleDiagnose)
	mux.HandleFunc("GET /api/delegations", s.handleDelegations)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/readiness", s.handleReadiness)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	var h http.Handler = mux
	h = s.withRequestContext(h)
	h = s.limit.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.Gateway.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.Gateway.AllowedOrigins)(h)
	return h
}

// withRequestContext stamps the acting identity and a trace id on the
// request context. Callers name themselves with X-Grace-Actor; the control
// plane's authorizer decides what that actor may do.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Grace-Actor"))
		if actor == "" {
			actor = shared.ActorOperator
		}
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		ctx := shared.WithTraceID(shared.WithActor(r.Context(), actor), traceID)
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = graceotel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path,
				graceotel.AttrActor.String(actor),
				attribute.String("grace.trace_id", traceID))
			defer span.End()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StartEviction drops idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limit.StartEviction(ctx, time.Minute, 10*time.Minute)
}

type healthResponse struct {
	Healthy        bool           `json:"healthy"`
	SystemDegraded bool           `json:"system_degraded"`
	FailedCritical []string       `json:"failed_critical,omitempty"`
	States         map[string]int `json:"states"`
	DBOK           bool           `json:"db_ok"`
	Uptime         string         `json:"uptime"`
	Version        string         `json:"version,omitempty"`
	Fingerprint    string         `json:"config_fingerprint,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	degraded, failed := s.cfg.Control.SystemDegraded()
	resp := healthResponse{
		SystemDegraded: degraded,
		FailedCritical: failed,
		States:         make(map[string]int),
		DBOK:           true,
		Uptime:         time.Since(s.start).Round(time.Second).String(),
		Version:        s.cfg.Version,
		Fingerprint:    s.cfg.ConfigFingerprint,
	}
	for _, snap := range s.cfg.Control.Snapshots() {
		resp.States[string(snap.State)]++
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			resp.DBOK = false
		}
	}
	resp.Healthy = resp.DBOK && !degraded
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleWSEvents streams control-plane events as JSON. The optional prefix
// query parameter narrows topics, e.g. ?prefix=kernel.
func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Gateway.AllowedOrigins,
	})
	if err != nil {
		return
	}
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("prefix"))
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)

	// Reads only detect the client going away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			rec, ok := ev.Payload.(audit.Event)
			if !ok {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, rec)
			cancel()
			if err != nil {
				s.logger.Warn("ws: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps control-plane errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controlplane.ErrUnknownKernel), errors.Is(err, kernels.ErrUnknownQueue):
		status = http.StatusNotFound
	case errors.Is(err, controlplane.ErrInvalidTransition), errors.Is(err, repair.ErrRepairInProgress),
		errors.Is(err, controlplane.ErrRestartsExhausted), errors.Is(err, controlplane.ErrWorkerStuck):
		status = http.StatusConflict
	case errors.Is(err, controlplane.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, controlplane.ErrCapabilityUnavailable):
		status = http.StatusNotImplemented
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
