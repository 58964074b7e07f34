package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/controlplane"
	"github.com/basket/grace/internal/kernel"
)

type kernelsResponse struct {
	Kernels        []controlplane.Snapshot `json:"kernels"`
	SystemDegraded bool                    `json:"system_degraded"`
}

func main() {
	addr := flag.String("addr", "127.0.0.1:18790", "daemon bind address")
	token := flag.String("token", os.Getenv("GRACE_API_TOKEN"), "bearer token")
	target := flag.String("kernel", "maintenance", "non-critical kernel to pause and resume")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}
	tok := strings.TrimSpace(*token)

	conn, _, err := websocket.Dial(ctx, wsURL(*addr, "kernel.", tok), nil)
	if err != nil {
		fatal("dial /ws/events", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")
	fmt.Println("CHECK event stream connected")

	var kernels kernelsResponse
	if err := call(ctx, client, http.MethodGet, *addr, "/api/kernels", tok, &kernels); err != nil {
		fatal("GET /api/kernels", err)
	}
	if kernels.SystemDegraded {
		fatalf("system degraded at start")
	}
	if bad := notAlive(kernels.Kernels); len(bad) > 0 {
		fatalf("kernels not alive: %s", strings.Join(bad, ", "))
	}
	fmt.Printf("CHECK %d kernels alive\n", len(kernels.Kernels))

	for _, step := range []struct {
		action string
		want   kernel.State
	}{
		{"pause", kernel.StatePaused},
		{"resume", kernel.StateRunning},
	} {
		var snap controlplane.Snapshot
		if err := call(ctx, client, http.MethodPost, *addr, "/api/kernels/"+*target+"/"+step.action, tok, &snap); err != nil {
			fatal("POST "+step.action, err)
		}
		if snap.State != step.want {
			fatalf("%s: state %s, want %s", step.action, snap.State, step.want)
		}
		if err := waitForTransition(ctx, conn, *target, step.want); err != nil {
			fatal(step.action+" event", err)
		}
		fmt.Printf("CHECK %s %s -> %s\n", step.action, *target, step.want)
	}

	fmt.Println("VERDICT PASS")
}

func wsURL(addr, prefix, token string) string {
	q := url.Values{}
	q.Set("prefix", prefix)
	if token != "" {
		q.Set("api_key", token)
	}
	return "ws://" + addr + "/ws/events?" + q.Encode()
}

func call(ctx context.Context, client *http.Client, method, addr, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Grace-Actor", "operator")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func notAlive(snaps []controlplane.Snapshot) []string {
	var out []string
	for _, s := range snaps {
		if !s.State.Alive() && s.State != kernel.StateStopped {
			out = append(out, s.Name+"="+string(s.State))
		}
	}
	return out
}

// waitForTransition reads the event stream until name reaches want.
func waitForTransition(ctx context.Context, conn *websocket.Conn, name string, want kernel.State) error {
	for {
		var ev audit.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if matchesTransition(ev, name, want) {
			return nil
		}
	}
}

func matchesTransition(ev audit.Event, name string, want kernel.State) bool {
	return ev.Resource == name && ev.Metadata["to"] == string(want)
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
