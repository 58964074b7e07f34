package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
	"github.com/basket/grace/internal/kernel"
	"github.com/basket/grace/internal/persistence"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "grace-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "grace.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	log, err := audit.Open(audit.Options{Sink: store})
	if err != nil {
		fmt.Printf("audit_open_error=%v\n", err)
		os.Exit(1)
	}
	for i := range 40 {
		log.Emit(bus.KernelTransition{
			Kernel:     fmt.Sprintf("kernel_%02d", i%8),
			From:       kernel.StateRunning,
			To:         kernel.StateRestarting,
			Action:     "restart",
			Actor:      "backup_drill",
			Generation: uint64(i + 1),
		})
	}
	statuses := make([]persistence.KernelStatus, 0, 8)
	for i := range 8 {
		statuses = append(statuses, persistence.KernelStatus{
			Name:       fmt.Sprintf("kernel_%02d", i),
			State:      string(kernel.StateRunning),
			Generation: uint64(i + 1),
		})
	}
	if err := store.RecordStatus(ctx, statuses); err != nil {
		fmt.Printf("record_status_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := store.GrantDelegation(ctx, []string{"maintenance"}, "backup_drill", "drill"); err != nil {
		fmt.Printf("grant_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	events, err := restored.EventCount(ctx)
	if err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}
	status, err := restored.ListStatus(ctx)
	if err != nil {
		fmt.Printf("list_status_error=%v\n", err)
		os.Exit(1)
	}
	delegations, err := restored.ActiveDelegations(ctx)
	if err != nil {
		fmt.Printf("list_delegations_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_events=%d\n", events)
	fmt.Printf("restored_kernel_status=%d\n", len(status))
	fmt.Printf("restored_active_delegations=%d\n", len(delegations))

	if events < 40 || len(status) < 8 || len(delegations) != 1 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
