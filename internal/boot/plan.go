package boot

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/grace/internal/kernel"
)

var (
	ErrDependencyCycle = errors.New("dependency cycle in kernel registry")
	ErrCriticalBoot    = errors.New("critical kernel failed to boot")
	ErrNotReady        = errors.New("kernel did not pass readiness check")
	ErrBootTimeout     = errors.New("boot attempt timed out")
)

// Wave is a set of kernels whose dependencies are all resolved by earlier
// waves. Entries are ordered by descending priority, then name.
type Wave []kernel.Descriptor

// Names returns the kernel names in the wave.
func (w Wave) Names() []string {
	out := make([]string, len(w))
	for i, d := range w {
		out[i] = d.Name
	}
	return out
}

// Plan layers the registry into boot waves using Kahn's algorithm. Disabled
// kernels stay in the plan and are resolved as skipped, so their dependents
// keep their place. A cycle is reported before anything is started.
func Plan(reg *kernel.Registry) ([]Wave, error) {
	descs := reg.Descriptors()

	var waves []Wave
	processed := make(map[string]bool, len(descs))

	for len(processed) < len(descs) {
		var wave Wave
		for _, d := range descs {
			if processed[d.Name] {
				continue
			}
			ready := true
			for _, dep := range d.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, d)
			}
		}

		if len(wave) == 0 {
			var stuck []string
			for _, d := range descs {
				if !processed[d.Name] {
					stuck = append(stuck, d.Name)
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}

		sort.SliceStable(wave, func(i, j int) bool {
			if wave[i].Priority != wave[j].Priority {
				return wave[i].Priority > wave[j].Priority
			}
			return wave[i].Name < wave[j].Name
		})
		waves = append(waves, wave)
		for _, d := range wave {
			processed[d.Name] = true
		}
	}
	return waves, nil
}
