package controlplane

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKernel         = errors.New("unknown kernel")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrCriticalKernelFailed  = errors.New("critical kernel failed")
	ErrKernelStartFailed     = errors.New("kernel start failed")
	ErrRestartsExhausted     = errors.New("restart budget exhausted")
	ErrUnauthorized          = errors.New("caller not authorized for remediation")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrWorkerStuck           = errors.New("kernel worker did not exit")
	ErrStaleGeneration       = errors.New("kernel generation already replaced")
)

// BootError reports a failed kernel start. It matches ErrCriticalKernelFailed
// for critical kernels and ErrKernelStartFailed otherwise, and unwraps to the
// kernel's own error.
type BootError struct {
	Kernel   string
	Critical bool
	Err      error
}

func (e *BootError) Error() string {
	kind := "kernel"
	if e.Critical {
		kind = "critical kernel"
	}
	return fmt.Sprintf("%s %s failed to start: %v", kind, e.Kernel, e.Err)
}

func (e *BootError) Unwrap() []error {
	if e.Critical {
		return []error{ErrCriticalKernelFailed, e.Err}
	}
	return []error{ErrKernelStartFailed, e.Err}
}

func transitionErr(name string, from, op string) error {
	return fmt.Errorf("%w: cannot %s %s from %s", ErrInvalidTransition, op, name, from)
}
