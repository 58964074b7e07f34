package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Delegation is one grant of emergency repair authority.
type Delegation struct {
	ID           string     `json:"id"`
	Agents       []string   `json:"agents"`
	Reason       string     `json:"reason"`
	GrantedBy    string     `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// Active reports whether the grant is still in force.
func (d Delegation) Active() bool { return d.RevokedAt == nil }

// GrantDelegation records a new grant and returns its id.
func (s *Store) GrantDelegation(ctx context.Context, agents []string, grantedBy, reason string) (string, error) {
	if len(agents) == 0 {
		return "", fmt.Errorf("grant delegation: no agents")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegations (id, agents, reason, granted_by, granted_at)
			VALUES (?, ?, ?, ?, ?);
		`, id, strings.Join(agents, ","), reason, grantedBy, time.Now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("grant delegation: %w", err)
	}
	return id, nil
}

// RevokeDelegation closes a grant. Revoking an already revoked grant is a no-op.
func (s *Store) RevokeDelegation(ctx context.Context, id, reason string) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE delegations SET revoked_at = ?, revoke_reason = ?
			WHERE id = ? AND revoked_at IS NULL;
		`, time.Now().UTC(), reason, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("revoke delegation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delegations WHERE id = ?;`, id).Scan(&exists); err != nil {
			return fmt.Errorf("revoke delegation lookup: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("delegation not found: %s", id)
		}
	}
	return nil
}

// ActiveDelegations returns grants not yet revoked, oldest first.
func (s *Store) ActiveDelegations(ctx context.Context) ([]Delegation, error) {
	return s.listDelegations(ctx, `WHERE revoked_at IS NULL ORDER BY granted_at ASC`)
}

// ListDelegations returns the most recent grants, newest first.
func (s *Store) ListDelegations(ctx context.Context, limit int) ([]Delegation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.listDelegations(ctx, fmt.Sprintf(`ORDER BY granted_at DESC LIMIT %d`, limit))
}

func (s *Store) listDelegations(ctx context.Context, tail string) ([]Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agents, reason, granted_by, granted_at, revoked_at, revoke_reason
		FROM delegations `+tail+`;`)
	if err != nil {
		return nil, fmt.Errorf("query delegations: %w", err)
	}
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		var d Delegation
		var agents string
		var revoked sql.NullTime
		if err := rows.Scan(&d.ID, &agents, &d.Reason, &d.GrantedBy, &d.GrantedAt, &revoked, &d.RevokeReason); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		d.Agents = strings.Split(agents, ",")
		if revoked.Valid {
			t := revoked.Time
			d.RevokedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
