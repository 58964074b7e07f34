package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/grace/internal/audit"
)

// AppendEvent persists one audit event. Implements audit.Sink.
func (s *Store) AppendEvent(ctx context.Context, ev audit.Event) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (seq, boot_epoch, kind, actor, action, resource, result, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.Seq, s.epoch, ev.Kind, ev.Actor, ev.Action, ev.Resource, ev.Result, string(metaJSON), ev.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return nil
	})
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Kind     string
	Resource string
	Since    time.Time
	Limit    int
}

// ListEvents returns matching events newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]audit.Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT seq, kind, actor, action, resource, result, metadata, created_at FROM events WHERE 1=1`
	var args []any
	if f.Kind != "" {
		q += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Resource != "" {
		q += ` AND resource = ?`
		args = append(args, f.Resource)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	q += ` ORDER BY created_at DESC, seq DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var meta string
		if err := rows.Scan(&ev.Seq, &ev.Kind, &ev.Actor, &ev.Action, &ev.Resource, &ev.Result, &meta, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events rows: %w", err)
	}
	return out, nil
}

// EventCount returns the total number of persisted events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
