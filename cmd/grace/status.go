package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/grace/internal/config"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
)

type kernelsResponse struct {
	Kernels        []controlplane.Snapshot `json:"kernels"`
	SystemDegraded bool                    `json:"system_degraded"`
	Shed           []string                `json:"shed"`
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print the raw API response")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: grace status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiURL(cfg.BindAddr, "/api/kernels"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return 1
	}

	var parsed kernelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		fmt.Fprintf(os.Stderr, "status: decode: %v\n", err)
		return 1
	}
	if *jsonOut {
		_, _ = os.Stdout.Write(body)
	} else {
		colour := isatty.IsTerminal(os.Stdout.Fd())
		fmt.Fprintln(os.Stdout, renderStatus(parsed, colour))
	}
	if parsed.SystemDegraded {
		return 1
	}
	return 0
}

// apiURL turns a bind address into a base URL on the same host.
func apiURL(addr, path string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + path
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + path
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	stateColour = map[kernel.State]lipgloss.Color{
		kernel.StateRunning:    lipgloss.Color("42"),
		kernel.StateDegraded:   lipgloss.Color("214"),
		kernel.StatePaused:     lipgloss.Color("245"),
		kernel.StateFailed:     lipgloss.Color("196"),
		kernel.StateRestarting: lipgloss.Color("214"),
	}
)

func renderStatus(r kernelsResponse, colour bool) string {
	rows := make([][]string, 0, len(r.Kernels))
	for _, s := range r.Kernels {
		critical := ""
		if s.Critical {
			critical = "yes"
		}
		hb := "-"
		if !s.LastHeartbeat.IsZero() {
			hb = s.HeartbeatAge.Round(time.Millisecond).String()
		}
		restarts := fmt.Sprintf("%d/%d", s.RestartCount, s.MaxRestarts)
		if s.Exhausted {
			restarts += " !"
		}
		rows = append(rows, []string{s.Name, s.TierName, critical, string(s.State), strconv.FormatUint(s.Generation, 10), restarts, hb})
	}

	t := table.New().
		Headers("KERNEL", "TIER", "CRITICAL", "STATE", "GEN", "RESTARTS", "HEARTBEAT").
		Rows(rows...).
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				if !colour {
					return cellStyle
				}
				return headerStyle
			}
			if colour && col == 3 && row >= 0 && row < len(r.Kernels) {
				if c, ok := stateColour[r.Kernels[row].State]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")
	if r.SystemDegraded {
		b.WriteString("system: DEGRADED (critical kernel failed)")
	} else {
		b.WriteString("system: ok")
	}
	if len(r.Shed) > 0 {
		fmt.Fprintf(&b, "\nshed: %s", strings.Join(r.Shed, ", "))
	}
	return b.String()
}
