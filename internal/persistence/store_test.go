package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "grace.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"events", "delegations", "kernel_status", "kernel_status_history", "schedules", "kv_store"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 2 {
		t.Fatalf("schema version = %d, want 2", v)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "grace.db")
	first, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.KVSet(context.Background(), "last_boot_id", "b1"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	_ = first.Close()

	second, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	got, err := second.KVGet(context.Background(), "last_boot_id")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if got != "b1" {
		t.Fatalf("kv value = %q, want b1", got)
	}
	if first.Epoch() == second.Epoch() {
		t.Fatal("each open should start a new event epoch")
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'bogus' WHERE version = 2;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(dbPath); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_EventsAppendAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []audit.Event{
		{Seq: 1, Kind: "kernel.transition", Actor: "control_plane", Action: "boot", Resource: "message_bus", Result: "success", Timestamp: now, Metadata: map[string]string{"to": "RUNNING"}},
		{Seq: 2, Kind: "kernel.transition", Actor: "control_plane", Action: "pause", Resource: "api_gateway", Result: "success", Timestamp: now.Add(time.Millisecond)},
		{Seq: 3, Kind: "alert.raised", Actor: "healer_watchdog", Action: "alert", Resource: "self_healing,coding_agent", Result: "failure", Timestamp: now.Add(2 * time.Millisecond)},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append event %d: %v", ev.Seq, err)
		}
	}

	n, err := store.EventCount(ctx)
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if n != 3 {
		t.Fatalf("event count = %d, want 3", n)
	}

	transitions, err := store.ListEvents(ctx, persistence.EventFilter{Kind: "kernel.transition"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("got %d transitions, want 2", len(transitions))
	}
	if transitions[0].Seq != 2 {
		t.Fatalf("expected newest first, got seq %d", transitions[0].Seq)
	}
	if transitions[1].Metadata["to"] != "RUNNING" {
		t.Fatalf("metadata not round-tripped: %v", transitions[1].Metadata)
	}

	byResource, err := store.ListEvents(ctx, persistence.EventFilter{Resource: "api_gateway"})
	if err != nil {
		t.Fatalf("list by resource: %v", err)
	}
	if len(byResource) != 1 || byResource[0].Action != "pause" {
		t.Fatalf("unexpected resource filter result: %+v", byResource)
	}
}

func TestStore_EventDuplicateSeqRejected(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	ev := audit.Event{Seq: 1, Kind: "k", Actor: "a", Action: "b", Resource: "r", Result: "success", Timestamp: time.Now()}
	if err := store.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := store.AppendEvent(ctx, ev); err == nil {
		t.Fatal("expected duplicate seq within one epoch to fail")
	}
}

func TestStore_AuditLogSink(t *testing.T) {
	store, _ := openTestStore(t)
	log, err := audit.Open(audit.Options{Sink: store})
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer log.Close()

	log.Emit(fakePayload{})
	n, err := store.EventCount(context.Background())
	if err != nil {
		t.Fatalf("event count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 persisted event, got %d", n)
	}
}
