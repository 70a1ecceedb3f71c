package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/settlement"
)

// PartyAuthorizer implements the settlement layer's access-control contract:
// party actions require the caller to be the engagement's client or
// practitioner, arbiter actions require the arbiter role.
type PartyAuthorizer struct {
	pool *pgxpool.Pool
}

func NewPartyAuthorizer(pool *pgxpool.Pool) *PartyAuthorizer {
	return &PartyAuthorizer{pool: pool}
}

func (a *PartyAuthorizer) Authorize(ctx context.Context, callerID, holdID string, action settlement.Action) (bool, error) {
	if callerID == "" || holdID == "" {
		return false, nil
	}

	switch action {
	case settlement.ActionRaiseDispute, settlement.ActionAddEvidence, settlement.ActionExtendDeadline:
		return a.isParty(ctx, callerID, holdID)
	case settlement.ActionArbitrate:
		return a.isArbiter(ctx, callerID)
	default:
		return false, fmt.Errorf("auth: unknown action %q", action)
	}
}

func (a *PartyAuthorizer) isParty(ctx context.Context, callerID, holdID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM escrow_holds h
			JOIN engagements e ON e.id = h.engagement_id
			WHERE h.id = $1 AND (e.client_id = $2 OR e.practitioner_id = $2)
		)
	`
	var ok bool
	if err := a.pool.QueryRow(ctx, query, holdID, callerID).Scan(&ok); err != nil {
		return false, fmt.Errorf("auth: verify party: %w", err)
	}
	return ok, nil
}

func (a *PartyAuthorizer) isArbiter(ctx context.Context, callerID string) (bool, error) {
	var role Role
	err := a.pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, callerID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("auth: verify arbiter: %w", err)
	}
	return role == RoleArbiter, nil
}
