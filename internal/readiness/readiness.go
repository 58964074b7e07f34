// Package readiness holds per-kernel self-tests. A kernel being Running only
// means its worker is up; its self-test says whether it can do its job.
package readiness

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Check is one named sub-check of a self-test.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is the structured outcome of a kernel's self-test.
type Result struct {
	Kernel       string  `json:"kernel"`
	Checks       []Check `json:"checks,omitempty"`
	OverallReady bool    `json:"overall_ready"`
	// Assumed is set when no self-test is registered for the kernel.
	Assumed bool `json:"assumed,omitempty"`
}

// Failed returns the names of failing sub-checks.
func (r Result) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Summary renders failing checks for logs and events.
func (r Result) Summary() string {
	if r.OverallReady {
		return "ready"
	}
	var parts []string
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		if c.Detail != "" {
			parts = append(parts, c.Name+": "+c.Detail)
		} else {
			parts = append(parts, c.Name)
		}
	}
	if len(parts) == 0 {
		return "not ready"
	}
	return strings.Join(parts, "; ")
}

// SelfTest runs a kernel's sub-checks. A returned error counts as not ready.
type SelfTest func(ctx context.Context) ([]Check, error)

// Checker is what the boot orchestrator needs from a readiness registry.
type Checker interface {
	Check(ctx context.Context, kernel string) Result
}

// Registry maps kernel name to its self-test. Kernels may register their own
// self-test during Start, so access is synchronized.
type Registry struct {
	mu    sync.RWMutex
	tests map[string]SelfTest
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tests: make(map[string]SelfTest)}
}

// Register installs the self-test for kernel, replacing any previous one.
func (r *Registry) Register(kernel string, test SelfTest) error {
	if kernel == "" {
		return fmt.Errorf("readiness: empty kernel name")
	}
	if test == nil {
		return fmt.Errorf("readiness: nil self-test for %s", kernel)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[kernel] = test
	return nil
}

// Unregister removes the self-test for kernel.
func (r *Registry) Unregister(kernel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tests, kernel)
}

// Has reports whether kernel has a registered self-test.
func (r *Registry) Has(kernel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tests[kernel]
	return ok
}

// Check runs the self-test for kernel. Kernels without one are assumed ready;
// the caller is responsible for having confirmed the kernel is Running.
func (r *Registry) Check(ctx context.Context, kernel string) (res Result) {
	r.mu.RLock()
	test, ok := r.tests[kernel]
	r.mu.RUnlock()

	res = Result{Kernel: kernel}
	if !ok {
		res.OverallReady = true
		res.Assumed = true
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res.Checks = append(res.Checks, Check{Name: "self_test", Detail: fmt.Sprintf("panic: %v", p)})
			res.OverallReady = false
		}
	}()

	checks, err := test(ctx)
	res.Checks = checks
	if err != nil {
		res.Checks = append(res.Checks, Check{Name: "self_test", Detail: err.Error()})
		return res
	}
	res.OverallReady = true
	for _, c := range checks {
		if !c.Passed {
			res.OverallReady = false
			break
		}
	}
	return res
}

// CheckAll runs every registered self-test.
func (r *Registry) CheckAll(ctx context.Context) []Result {
	r.mu.RLock()
	names := make([]string, 0, len(r.tests))
	for name := range r.tests {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make([]Result, 0, len(names))
	for _, name := range names {
		out = append(out, r.Check(ctx, name))
	}
	return out
}
