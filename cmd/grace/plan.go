package main

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/grace/internal/boot"
	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/kernel"
)

type planKernel struct {
	Name      string   `yaml:"name"`
	Tier      string   `yaml:"tier"`
	Critical  bool     `yaml:"critical,omitempty"`
	Heavy     bool     `yaml:"resource_intensive,omitempty"`
	Disabled  bool     `yaml:"disabled,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

type planWave struct {
	Wave    int          `yaml:"wave"`
	Kernels []planKernel `yaml:"kernels"`
}

type planOutput struct {
	ConfigFingerprint string     `yaml:"config_fingerprint"`
	Waves             []planWave `yaml:"waves"`
}

func runPlanCommand(w io.Writer, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: grace plan")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	out, err := buildPlan(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		return 1
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		return 1
	}
	_ = enc.Close()
	return 0
}

// buildPlan computes boot waves over inert kernels; nothing is started.
func buildPlan(cfg *config.Config) (planOutput, error) {
	descs, err := cfg.Descriptors()
	if err != nil {
		return planOutput{}, err
	}
	entries := make([]kernel.Entry, 0, len(descs))
	for _, d := range descs {
		entries = append(entries, kernel.Entry{Descriptor: d, Kernel: kernel.Funcs{}})
	}
	reg, err := kernel.NewRegistry(entries...)
	if err != nil {
		return planOutput{}, err
	}
	waves, err := boot.Plan(reg)
	if err != nil {
		return planOutput{}, err
	}

	out := planOutput{ConfigFingerprint: cfg.Fingerprint()}
	for i, wave := range waves {
		pw := planWave{Wave: i}
		for _, d := range wave {
			pw.Kernels = append(pw.Kernels, planKernel{
				Name:      d.Name,
				Tier:      d.Tier.String(),
				Critical:  d.Critical,
				Heavy:     d.ResourceIntensive,
				Disabled:  !d.Enabled(cfg.Features),
				DependsOn: d.DependsOn,
			})
		}
		out.Waves = append(out.Waves, pw)
	}
	return out, nil
}
