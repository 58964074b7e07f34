package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring maintenance job.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Job       string     `json:"job"`
	CronExpr  string     `json:"cron_expr"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UpsertSchedule creates a schedule or updates the expression and job of the
// schedule with the same name. next_run_at is reset only when the expression
// changed.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, job, cron_expr, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			job = excluded.job,
			enabled = excluded.enabled,
			next_run_at = CASE WHEN schedules.cron_expr = excluded.cron_expr THEN schedules.next_run_at ELSE excluded.next_run_at END,
			cron_expr = excluded.cron_expr,
			updated_at = CURRENT_TIMESTAMP;
	`, sched.ID, sched.Name, sched.Job, sched.CronExpr, boolToInt(sched.Enabled), sched.NextRunAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule by name.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?;`, name)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", name)
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT id, name, job, cron_expr, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules ORDER BY name ASC;`)
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT id, name, job, cron_expr, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;`, now)
}

// UpdateScheduleRun updates last_run_at and next_run_at after firing.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) querySchedules(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Job, &sc.CronExpr, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
