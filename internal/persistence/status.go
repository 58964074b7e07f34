package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KernelStatus is a point-in-time copy of one kernel's control-plane record.
type KernelStatus struct {
	Name          string     `json:"name"`
	Tier          string     `json:"tier"`
	State         string     `json:"state"`
	RestartCount  int        `json:"restart_count"`
	Generation    uint64     `json:"generation"`
	Critical      bool       `json:"critical"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RecordStatus upserts the latest status of each kernel and appends a history
// row per kernel, in one transaction.
func (s *Store) RecordStatus(ctx context.Context, statuses []KernelStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, st := range statuses {
			var hb any
			if st.LastHeartbeat != nil {
				hb = st.LastHeartbeat.UTC()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kernel_status (name, tier, state, restart_count, generation, critical, last_heartbeat, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					tier = excluded.tier,
					state = excluded.state,
					restart_count = excluded.restart_count,
					generation = excluded.generation,
					critical = excluded.critical,
					last_heartbeat = excluded.last_heartbeat,
					updated_at = excluded.updated_at;
			`, st.Name, st.Tier, st.State, st.RestartCount, st.Generation, boolToInt(st.Critical), hb, now); err != nil {
				return fmt.Errorf("upsert kernel status %s: %w", st.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kernel_status_history (name, state, restart_count, recorded_at)
				VALUES (?, ?, ?, ?);
			`, st.Name, st.State, st.RestartCount, now); err != nil {
				return fmt.Errorf("append status history %s: %w", st.Name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit status tx: %w", err)
		}
		return nil
	})
}

// ListStatus returns the last recorded status of every kernel, by name.
func (s *Store) ListStatus(ctx context.Context) ([]KernelStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, tier, state, restart_count, generation, critical, last_heartbeat, updated_at
		FROM kernel_status ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query kernel status: %w", err)
	}
	defer rows.Close()

	var out []KernelStatus
	for rows.Next() {
		var st KernelStatus
		var critical int
		var hb sql.NullTime
		if err := rows.Scan(&st.Name, &st.Tier, &st.State, &st.RestartCount, &st.Generation, &critical, &hb, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan kernel status: %w", err)
		}
		st.Critical = critical != 0
		if hb.Valid {
			t := hb.Time
			st.LastHeartbeat = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StatusHistoryCount returns the number of history rows for name ("" for all).
func (s *Store) StatusHistoryCount(ctx context.Context, name string) (int64, error) {
	var n int64
	var err error
	if name == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kernel_status_history;`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kernel_status_history WHERE name = ?;`, name).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count status history: %w", err)
	}
	return n, nil
}
