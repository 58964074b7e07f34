package repair

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/grace/internal/audit"
	"github.com/basket/grace/internal/bus"
)

// DelegationLedger persists emergency grants. *persistence.Store implements it.
type DelegationLedger interface {
	GrantDelegation(ctx context.Context, agents []string, grantedBy, reason string) (string, error)
	RevokeDelegation(ctx context.Context, id, reason string) error
}

// Delegates is the set of fallback agents currently holding emergency repair
// authority. At most one grant is active at a time. It satisfies the control
// plane's Authorizer, so delegates may call remediation primitives while the
// grant lasts.
type Delegates struct {
	ledger DelegationLedger
	events audit.Emitter
	logger *slog.Logger

	mu      sync.Mutex
	grantID string
	agents  []string
}

// NewDelegates creates an empty delegate set. ledger may be nil, in which case
// grants live only in memory.
func NewDelegates(ledger DelegationLedger, events audit.Emitter, logger *slog.Logger) *Delegates {
	if events == nil {
		events = nopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegates{ledger: ledger, events: events, logger: logger}
}

// Grant gives agents emergency authority and records the grant. Granting
// while a grant is active returns the active grant unchanged.
func (d *Delegates) Grant(ctx context.Context, agents []string, grantedBy, reason string) (string, error) {
	if len(agents) == 0 {
		return "", fmt.Errorf("grant delegation: no fallback agents configured")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grantID != "" {
		return d.grantID, nil
	}

	id := uuid.NewString()
	if d.ledger != nil {
		var err error
		id, err = d.ledger.GrantDelegation(ctx, agents, grantedBy, reason)
		if err != nil {
			return "", fmt.Errorf("grant delegation: %w", err)
		}
	}
	d.grantID = id
	d.agents = slices.Clone(agents)
	d.events.Emit(bus.Delegation{GrantID: id, Agents: d.agents, Granted: true, Reason: reason})
	d.logger.Warn("emergency delegation granted", "grant_id", id, "agents", d.agents, "reason", reason)
	return id, nil
}

// Revoke ends the active grant. It reports whether a grant was revoked.
func (d *Delegates) Revoke(ctx context.Context, reason string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.grantID == "" {
		return false, nil
	}
	if d.ledger != nil {
		if err := d.ledger.RevokeDelegation(ctx, d.grantID, reason); err != nil {
			return false, fmt.Errorf("revoke delegation %s: %w", d.grantID, err)
		}
	}
	d.events.Emit(bus.Delegation{GrantID: d.grantID, Agents: d.agents, Granted: false, Reason: reason})
	d.logger.Info("emergency delegation revoked", "grant_id", d.grantID, "agents", d.agents, "reason", reason)
	d.grantID = ""
	d.agents = nil
	return true, nil
}

// Active returns the agents holding authority now.
func (d *Delegates) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.agents)
}

// GrantID returns the active grant id, or "".
func (d *Delegates) GrantID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grantID
}

// Authorized reports whether actor is a current delegate.
func (d *Delegates) Authorized(actor string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.agents, actor)
}

type nopEmitter struct{}

func (nopEmitter) Emit(bus.Payload) {}
