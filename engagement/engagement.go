// Package engagement consumes the upstream workflow's engagement record. The
// record is produced elsewhere and read here as an immutable fact once the
// engagement is delivered; this package never writes it.
package engagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/money"
)

var ErrNotFound = errors.New("engagement: not found")

// Engagement identifies the two-or-three-party relationship behind one hold.
// FirmID is nil for a solo practitioner. The rate columns are the configured
// defaults captured when the engagement was set up.
type Engagement struct {
	ID                string
	ClientID          string
	PractitionerID    string
	FirmID            *string
	Amount            money.Cents
	PlatformFeeBps    money.Bps
	FirmCommissionBps money.Bps
	WithholdingTaxBps money.Bps
	DeliveredAt       *time.Time
}

// FirmAffiliated reports whether an intermediary firm takes a commission.
func (e Engagement) FirmAffiliated() bool {
	return e.FirmID != nil && *e.FirmID != ""
}

// IsParty reports whether the user is one of the two original parties.
func (e Engagement) IsParty(userID string) bool {
	return userID != "" && (userID == e.ClientID || userID == e.PractitionerID)
}

// Reader abstracts the engagement collaborator for the settlement layer.
type Reader interface {
	GetEngagement(ctx context.Context, id string) (Engagement, error)
}

// PGReader reads engagements from the shared database.
type PGReader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *PGReader {
	return &PGReader{pool: pool}
}

func (r *PGReader) GetEngagement(ctx context.Context, id string) (Engagement, error) {
	const query = `
		SELECT id, client_id, practitioner_id, firm_id, amount_cents,
		       platform_fee_bps, firm_commission_bps, withholding_tax_bps, delivered_at
		FROM engagements
		WHERE id = $1
	`

	var e Engagement
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.ClientID,
		&e.PractitionerID,
		&e.FirmID,
		&e.Amount,
		&e.PlatformFeeBps,
		&e.FirmCommissionBps,
		&e.WithholdingTaxBps,
		&e.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Engagement{}, ErrNotFound
		}
		return Engagement{}, fmt.Errorf("engagement: get: %w", err)
	}
	return e, nil
}
