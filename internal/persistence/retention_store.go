package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvents        int64 `json:"purged_events"`
	PurgedStatusHistory int64 `json:"purged_status_history"`
	PurgedRevokedGrants int64 `json:"purged_revoked_grants"`
}

// RunRetention deletes records older than the configured windows. A window of
// zero keeps that category forever. Active delegations are never purged.
// Idempotent.
func (s *Store) RunRetention(ctx context.Context, eventDays, statusDays, delegationDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}

	if statusDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -statusDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM kernel_status_history WHERE recorded_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge kernel_status_history: %w", err)
		}
		result.PurgedStatusHistory, _ = res.RowsAffected()
	}

	if delegationDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -delegationDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM delegations WHERE revoked_at IS NOT NULL AND revoked_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge delegations: %w", err)
		}
		result.PurgedRevokedGrants, _ = res.RowsAffected()
	}

	return result, nil
}
