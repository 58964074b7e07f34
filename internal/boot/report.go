package boot

import (
	"sync"
	"time"
)

// Outcome is how a kernel's boot resolved.
type Outcome string

const (
	OutcomeBooted   Outcome = "booted"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
	// OutcomePending marks kernels in waves never reached because boot aborted.
	OutcomePending Outcome = "pending"
)

// KernelResult is the resolution of one kernel.
type KernelResult struct {
	Name     string        `json:"name"`
	Wave     int           `json:"wave"`
	Critical bool          `json:"critical"`
	Outcome  Outcome       `json:"outcome"`
	Attempts int           `json:"attempts"`
	Extended bool          `json:"extended,omitempty"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Report summarizes a BootAll run.
type Report struct {
	BootID   string          `json:"boot_id"`
	Waves    [][]string      `json:"waves"`
	Kernels  []*KernelResult `json:"kernels"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration_ns"`
	Aborted  bool            `json:"aborted"`
	Reason   string          `json:"reason,omitempty"`

	mu    sync.Mutex
	index map[string]*KernelResult
}

func newReport(bootID string, waves []Wave) *Report {
	r := &Report{BootID: bootID, Started: time.Now(), index: make(map[string]*KernelResult)}
	for i, w := range waves {
		r.Waves = append(r.Waves, w.Names())
		for _, d := range w {
			kr := &KernelResult{Name: d.Name, Wave: i, Critical: d.Critical, Outcome: OutcomePending}
			r.Kernels = append(r.Kernels, kr)
			r.index[d.Name] = kr
		}
	}
	return r
}

func (r *Report) set(name string, fn func(*KernelResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kr, ok := r.index[name]; ok {
		fn(kr)
	}
}

// Result returns a copy of the result for name.
func (r *Report) Result(name string) (KernelResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kr, ok := r.index[name]
	if !ok {
		return KernelResult{}, false
	}
	return *kr, true
}

// With returns the names of kernels that resolved with outcome, in plan order.
func (r *Report) With(outcome Outcome) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, kr := range r.Kernels {
		if kr.Outcome == outcome {
			out = append(out, kr.Name)
		}
	}
	return out
}

func (r *Report) Booted() []string   { return r.With(OutcomeBooted) }
func (r *Report) Skipped() []string  { return r.With(OutcomeSkipped) }
func (r *Report) Degraded() []string { return r.With(OutcomeDegraded) }
func (r *Report) Failed() []string   { return r.With(OutcomeFailed) }
