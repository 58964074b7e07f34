package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
	"github.com/basket/grace/internal/readiness"
	"github.com/basket/grace/internal/repair"
)

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type kernelView struct {
	controlplane.Snapshot
	Load      *kernel.Load      `json:"load,omitempty"`
	Readiness *readiness.Result `json:"readiness,omitempty"`
}

func (s *Server) handleKernels(w http.ResponseWriter, r *http.Request) {
	snaps := s.cfg.Control.Snapshots()
	out := make([]kernelView, 0, len(snaps))
	for _, snap := range snaps {
		v := kernelView{Snapshot: snap}
		if load, ok := s.cfg.Control.Load(snap.Name); ok {
			v.Load = &load
		}
		out = append(out, v)
	}
	degraded, _ := s.cfg.Control.SystemDegraded()
	writeJSON(w, http.StatusOK, map[string]any{
		"kernels":         out,
		"system_degraded": degraded,
		"shed":            s.cfg.Control.ShedKernels(),
	})
}

func (s *Server) handleKernel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Control.Snapshot(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	v := kernelView{Snapshot: snap}
	if load, ok := s.cfg.Control.Load(snap.Name); ok {
		v.Load = &load
	}
	if s.cfg.Readiness != nil && snap.State.Alive() {
		res := s.cfg.Readiness.Check(r.Context(), snap.Name)
		v.Readiness = &res
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleKernelAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = s.cfg.Control.Pause(r.Context(), name)
	case "resume":
		err = s.cfg.Control.Resume(r.Context(), name)
	case "restart":
		err = s.cfg.Control.Restart(r.Context(), name)
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", action), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.cfg.Control.Snapshot(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type scaleRequest struct {
	Queue string `json:"queue"`
	Delta int    `json:"delta"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Queue == "" {
		writeError(w, fmt.Errorf("%w: queue is required", errBadRequest))
		return
	}
	s.remediate(w, func() (controlplane.RemediationResult, error) {
		return s.cfg.Control.ScaleWorkers(r.Context(), req.Queue, req.Delta)
	})
}

type shedRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleShed(w http.ResponseWriter, r *http.Request) {
	var req shedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	s.remediate(w, func() (controlplane.RemediationResult, error) {
		return s.cfg.Control.ShedLoad(r.Context(), req.Reason)
	})
}

func (s *Server) handleRestoreLoad(w http.ResponseWriter, r *http.Request) {
	s.remediate(w, func() (controlplane.RemediationResult, error) {
		return s.cfg.Control.RestoreLoad(r.Context())
	})
}

type weightsRequest struct {
	File string `json:"file"`
}

func (s *Server) handleRestoreWeights(w http.ResponseWriter, r *http.Request) {
	var req weightsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.File == "" {
		writeError(w, fmt.Errorf("%w: file is required", errBadRequest))
		return
	}
	s.remediate(w, func() (controlplane.RemediationResult, error) {
		return s.cfg.Control.RestoreModelWeights(r.Context(), req.File)
	})
}

func (s *Server) remediate(w http.ResponseWriter, fn func() (controlplane.RemediationResult, error)) {
	res, err := fn()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Pool == nil {
		writeError(w, fmt.Errorf("%w: no worker pool", controlplane.ErrCapabilityUnavailable))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Pool.Status())
}

type escalationResponse struct {
	repair.EscalationState
	CloseWatch  bool                     `json:"close_watch"`
	Delegations []persistence.Delegation `json:"active_delegations"`
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	var resp escalationResponse
	if s.cfg.Escalation != nil {
		resp.EscalationState = s.cfg.Escalation.State()
	}
	if s.cfg.Watchdog != nil {
		resp.CloseWatch = s.cfg.Watchdog.CloseWatch()
	}
	if s.cfg.Store != nil {
		active, err := s.cfg.Store.ActiveDelegations(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Delegations = active
	}
	if resp.Delegations == nil {
		resp.Delegations = []persistence.Delegation{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type diagnoseRequest struct {
	Kernels []string `json:"kernels"`
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Diagnoser == nil {
		writeError(w, fmt.Errorf("%w: no diagnoser", controlplane.ErrCapabilityUnavailable))
		return
	}
	var req diagnoseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Kernels) == 0 {
		for _, snap := range s.cfg.Control.Snapshots() {
			req.Kernels = append(req.Kernels, snap.Name)
		}
	}
	findings, err := s.cfg.Diagnoser.Diagnose(r.Context(), req.Kernels)
	resp := map[string]any{"findings": findings}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, fmt.Errorf("%w: no store", controlplane.ErrCapabilityUnavailable))
		return
	}
	list, err := s.cfg.Store.ListDelegations(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": list})
}

// handleEvents lists persisted events newest first. Filters: kind, resource,
// since (RFC 3339 or a duration such as 15m), limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, fmt.Errorf("%w: no store", controlplane.ErrCapabilityUnavailable))
		return
	}
	q := r.URL.Query()
	f := persistence.EventFilter{
		Kind:     q.Get("kind"),
		Resource: q.Get("resource"),
		Limit:    queryInt(r, "limit", 100),
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := parseSince(raw, time.Now())
		if err != nil {
			writeError(w, fmt.Errorf("%w: since: %v", errBadRequest, err))
			return
		}
		f.Since = since
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// parseSince accepts an RFC 3339 timestamp or a look-back duration.
func parseSince(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleReadiness re-runs every registered self-test.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Readiness == nil {
		writeError(w, fmt.Errorf("%w: no readiness registry", controlplane.ErrCapabilityUnavailable))
		return
	}
	results := s.cfg.Readiness.CheckAll(r.Context())
	slices.SortFunc(results, func(a, b readiness.Result) int { return strings.Compare(a.Kernel, b.Kernel) })
	ready := true
	for _, res := range results {
		ready = ready && res.OverallReady
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "kernels": results})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, fmt.Errorf("%w: metrics disabled", controlplane.ErrCapabilityUnavailable))
		return
	}
	points, err := s.cfg.Metrics.Collect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}
