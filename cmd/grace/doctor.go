package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/doctor"
)

var doctorColour = map[string]lipgloss.Color{
	"PASS": lipgloss.Color("42"),
	"WARN": lipgloss.Color("214"),
	"FAIL": lipgloss.Color("196"),
	"SKIP": lipgloss.Color("245"),
}

func runDoctorCommand(ctx context.Context, w io.Writer, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grace doctor [-json]")
		return 2
	}

	// A broken config is itself a finding; the other checks still run.
	var cfgPtr *config.Config
	if cfg, err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}
	diag := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			return 1
		}
	} else {
		colour := false
		if f, ok := w.(*os.File); ok {
			colour = isatty.IsTerminal(f.Fd())
		}
		fmt.Fprint(w, renderDoctor(diag, colour))
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func renderDoctor(diag doctor.Diagnosis, colour bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "grace doctor %s  %s/%s %s\n", diag.Timestamp.Format(time.RFC3339), diag.System.OS, diag.System.Arch, diag.System.Go)
	for _, res := range diag.Results {
		status := fmt.Sprintf("%-4s", res.Status)
		if colour {
			status = lipgloss.NewStyle().Bold(true).Foreground(doctorColour[res.Status]).Render(status)
		}
		fmt.Fprintf(&b, "%s  %-14s %s\n", status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(&b, "      %s\n", res.Detail)
		}
	}
	return b.String()
}
