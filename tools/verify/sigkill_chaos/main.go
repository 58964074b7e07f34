//go:build ignore

// sigkill_chaos kills a booted grace daemon with SIGKILL and checks that the
// next boot comes up on an intact store: integrity_check passes, each run left
// its own boot epoch, and emergency delegations granted before the kill are
// still active.
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/persistence"
)

type daemon struct {
	bin  string
	env  []string
	addr string
	cmd  *exec.Cmd
}

func (d *daemon) start() error {
	d.cmd = exec.Command(d.bin, "-quiet")
	d.cmd.Env = d.env
	d.cmd.Stdout = os.Stdout
	d.cmd.Stderr = os.Stderr
	if err := d.cmd.Start(); err != nil {
		return err
	}
	return d.awaitHealthy(20 * time.Second)
}

func (d *daemon) kill() {
	_ = d.cmd.Process.Signal(syscall.SIGKILL)
	_ = d.cmd.Wait()
}

// stop asks for a graceful shutdown and falls back to SIGKILL.
func (d *daemon) stop(grace time.Duration) {
	_ = d.cmd.Process.Signal(os.Interrupt)
	exited := make(chan struct{})
	go func() { _ = d.cmd.Wait(); close(exited) }()
	select {
	case <-exited:
	case <-time.After(grace):
		_ = d.cmd.Process.Kill()
		<-exited
	}
}

func (d *daemon) awaitHealthy(timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	url := "http://" + d.addr + "/healthz"
	for end := time.Now().Add(timeout); time.Now().Before(end); time.Sleep(200 * time.Millisecond) {
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
	return fmt.Errorf("%s not healthy within %v", url, timeout)
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "VERDICT FAIL (sigkill_chaos): %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run(ctx context.Context) error {
	work, err := os.MkdirTemp("", "grace-sigkill-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)

	bin := filepath.Join(work, "grace")
	if err := buildDaemon(bin); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	home := filepath.Join(work, "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	addr, err := freeAddr()
	if err != nil {
		return err
	}
	cfg := fmt.Sprintf("bind_addr: %q\nheartbeat:\n  timeout_seconds: 3\n  sweep_interval_seconds: 1\n", addr)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		return err
	}
	d := &daemon{bin: bin, env: append(os.Environ(), "GRACE_HOME="+home), addr: addr}
	dbPath := filepath.Join(home, "grace.db")

	fmt.Println("boot 1")
	if err := d.start(); err != nil {
		d.kill()
		return err
	}
	grantID, err := grant(ctx, dbPath)
	if err != nil {
		d.kill()
		return err
	}
	fmt.Printf("granted delegation=%s\n", grantID)

	fmt.Println("SIGKILL")
	d.kill()
	// The listening socket may linger briefly after the process is gone.
	time.Sleep(500 * time.Millisecond)

	fmt.Println("boot 2")
	if err := d.start(); err != nil {
		d.kill()
		return fmt.Errorf("after kill: %w", err)
	}
	defer d.stop(10 * time.Second)

	return verifyStore(ctx, dbPath, grantID)
}

func grant(ctx context.Context, dbPath string) (string, error) {
	store, err := persistence.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer store.Close()
	return store.GrantDelegation(ctx, []string{"maintenance", "api_gateway"}, "sigkill_chaos", "chaos drill")
}

func verifyStore(ctx context.Context, dbPath, grantID string) error {
	store, err := persistence.Open(dbPath)
	if err != nil {
		return fmt.Errorf("reopen store: %w", err)
	}
	defer store.Close()
	db := store.DB()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrity); err != nil {
		return err
	}
	fmt.Printf("integrity_check=%s\n", integrity)
	if integrity != "ok" {
		return fmt.Errorf("integrity_check: %s", integrity)
	}

	var epochs int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT boot_epoch) FROM events WHERE kind = ?`, bus.TopicBootCompleted).Scan(&epochs); err != nil {
		return err
	}
	fmt.Printf("boot_epochs=%d\n", epochs)
	if epochs < 2 {
		return fmt.Errorf("boot.completed recorded under %d epoch(s), want 2", epochs)
	}

	active, err := store.ActiveDelegations(ctx)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(active, func(d persistence.Delegation) bool { return d.ID == grantID }) {
		return errors.New("delegation " + grantID + " did not survive SIGKILL")
	}
	return nil
}

func buildDaemon(out string) error {
	gomod, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		return err
	}
	path := strings.TrimSpace(string(gomod))
	if path == "" || path == os.DevNull {
		return errors.New("not inside a module")
	}
	build := exec.Command("go", "build", "-o", out, "./cmd/grace")
	build.Dir = filepath.Dir(path)
	build.Stdout, build.Stderr = os.Stdout, os.Stderr
	return build.Run()
}

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer ln.Close()
	return ln.Addr().String(), nil
}
