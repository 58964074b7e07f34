package readiness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// CheckFunc produces one sub-check.
type CheckFunc func(ctx context.Context) Check

// All composes sub-checks into a SelfTest. Every check runs even after a
// failure so the result lists all of them.
func All(checks ...CheckFunc) SelfTest {
	return func(ctx context.Context) ([]Check, error) {
		out := make([]Check, 0, len(checks))
		for _, c := range checks {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			out = append(out, c(ctx))
		}
		return out, nil
	}
}

// Writable checks that a file can be created in dir.
func Writable(dir string) CheckFunc {
	return func(context.Context) Check {
		c := Check{Name: "writable"}
		f, err := os.CreateTemp(dir, ".grace-ready-*")
		if err != nil {
			c.Detail = err.Error()
			return c
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		c.Passed = true
		return c
	}
}

// Exists checks that path exists.
func Exists(path string) CheckFunc {
	return func(context.Context) Check {
		c := Check{Name: "exists:" + filepath.Base(path)}
		if _, err := os.Stat(path); err != nil {
			c.Detail = err.Error()
			return c
		}
		c.Passed = true
		return c
	}
}

// DiskSpace checks that the filesystem holding path has at least minFree bytes available.
func DiskSpace(path string, minFree uint64) CheckFunc {
	return func(context.Context) Check {
		c := Check{Name: "disk_space"}
		free, err := freeBytes(path)
		if err != nil {
			c.Detail = err.Error()
			return c
		}
		if free < minFree {
			c.Detail = fmt.Sprintf("%d bytes free, need %d", free, minFree)
			return c
		}
		c.Passed = true
		return c
	}
}

// Probe wraps an arbitrary function as a named sub-check.
func Probe(name string, fn func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		c := Check{Name: name}
		if err := fn(ctx); err != nil {
			c.Detail = err.Error()
			return c
		}
		c.Passed = true
		return c
	}
}

// Condition is a sub-check over an in-memory predicate, e.g. "rules loaded".
func Condition(name string, ok func() bool, detail string) CheckFunc {
	return func(context.Context) Check {
		if ok() {
			return Check{Name: name, Passed: true}
		}
		return Check{Name: name, Detail: detail}
	}
}
