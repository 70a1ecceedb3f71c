package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/distribution"
	"escrowflow/money"
)

var (
	// ErrDuplicateHold signals a second hold for the same engagement.
	ErrDuplicateHold = errors.New("escrow: duplicate hold for engagement")
	// ErrHoldNotFound is returned when no hold row exists for the identifier.
	ErrHoldNotFound = errors.New("escrow: hold not found")
	// ErrInvalidHoldState signals an operation attempted from a status that
	// does not permit it. Expected under concurrent settlement; callers should
	// refresh and decide, not treat it as bad input.
	ErrInvalidHoldState = errors.New("escrow: invalid hold state")
)

const holdColumns = `id, engagement_id, amount_cents, status::text, auto_release_at, distributed_cents, created_at, updated_at, settled_at`

type Repository struct {
	pool  *pgxpool.Pool
	idGen func() string
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:  pool,
		idGen: func() string { return uuid.NewString() },
	}
}

// CreateHold opens a hold in status held with the auto-release timer armed.
// The partial unique index on engagement_id enforces the one-active-hold
// invariant; a conflict maps to ErrDuplicateHold.
func (r *Repository) CreateHold(ctx context.Context, engagementID string, amount money.Cents, deadline time.Time) (Hold, error) {
	if engagementID == "" {
		return Hold{}, fmt.Errorf("escrow: missing engagement id")
	}
	if amount <= 0 {
		return Hold{}, fmt.Errorf("escrow: hold amount must be positive")
	}

	const insertSQL = `
		INSERT INTO escrow_holds (id, engagement_id, amount_cents, status, auto_release_at)
		VALUES ($1, $2, $3, 'held'::escrow_hold_status, $4)
		RETURNING ` + holdColumns

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Hold{}, fmt.Errorf("escrow: begin create hold: %w", err)
	}
	defer tx.Rollback(ctx)

	hold, err := scanHold(tx.QueryRow(ctx, insertSQL, r.idGen(), engagementID, amount, deadline))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Hold{}, ErrDuplicateHold
		}
		return Hold{}, fmt.Errorf("escrow: create hold: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, "escrow.held", map[string]any{
		"hold_id":       hold.ID,
		"engagement_id": hold.EngagementID,
		"new_status":    string(StatusHeld),
		"gross":         int64(hold.Amount),
	}); err != nil {
		return Hold{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Hold{}, fmt.Errorf("escrow: commit create hold: %w", err)
	}
	return hold, nil
}

func (r *Repository) GetHold(ctx context.Context, holdID string) (Hold, error) {
	hold, err := scanHold(r.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, fmt.Errorf("escrow: get hold: %w", err)
	}
	return hold, nil
}

func (r *Repository) GetByEngagement(ctx context.Context, engagementID string) (Hold, error) {
	hold, err := scanHold(r.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE engagement_id = $1`, engagementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, fmt.Errorf("escrow: get hold by engagement: %w", err)
	}
	return hold, nil
}

// LockHold fetches the hold FOR UPDATE inside the caller's transaction so the
// surrounding settlement holds the row lock until commit.
func (r *Repository) LockHold(ctx context.Context, tx pgx.Tx, holdID string) (Hold, error) {
	hold, err := scanHold(tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, ErrHoldNotFound
		}
		return Hold{}, fmt.Errorf("escrow: lock hold: %w", err)
	}
	return hold, nil
}

// ArmAutoRelease sets the auto-release deadline on a held hold.
func (r *Repository) ArmAutoRelease(ctx context.Context, holdID string, deadline time.Time) (Hold, error) {
	const updateSQL = `
		UPDATE escrow_holds
		SET auto_release_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'held'::escrow_hold_status
		RETURNING ` + holdColumns

	hold, err := scanHold(r.pool.QueryRow(ctx, updateSQL, holdID, deadline))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, r.holdStateError(ctx, holdID)
		}
		return Hold{}, fmt.Errorf("escrow: arm auto release: %w", err)
	}
	return hold, nil
}

// DisarmAutoRelease clears the deadline without touching the status.
func (r *Repository) DisarmAutoRelease(ctx context.Context, holdID string) (Hold, error) {
	const updateSQL = `
		UPDATE escrow_holds
		SET auto_release_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'held'::escrow_hold_status
		RETURNING ` + holdColumns

	hold, err := scanHold(r.pool.QueryRow(ctx, updateSQL, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, r.holdStateError(ctx, holdID)
		}
		return Hold{}, fmt.Errorf("escrow: disarm auto release: %w", err)
	}
	return hold, nil
}

// MarkDisputed flips a held hold to disputed and clears its deadline inside
// the caller's transaction. The status predicate is the compare-and-set guard:
// a hold that already left held produces ErrInvalidHoldState.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, holdID string) (Hold, error) {
	const updateSQL = `
		UPDATE escrow_holds
		SET status = 'disputed'::escrow_hold_status,
		    auto_release_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'held'::escrow_hold_status
		RETURNING ` + holdColumns

	hold, err := scanHold(tx.QueryRow(ctx, updateSQL, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, r.holdStateErrorTx(ctx, tx, holdID)
		}
		return Hold{}, fmt.Errorf("escrow: mark disputed: %w", err)
	}
	return hold, nil
}

// ClaimExpired claims up to limit holds whose deadline has passed and whose
// engagement has no open dispute, moving each to release_pending. The claim is
// the compare-and-set that makes the sweep idempotent: concurrent sweep
// workers skip rows already locked, and release_pending rows stranded by a
// crashed worker are picked up again on the next pass.
func (r *Repository) ClaimExpired(ctx context.Context, limit int) ([]Hold, error) {
	if limit <= 0 {
		limit = 50
	}

	const claimSQL = `
		UPDATE escrow_holds h
		SET status = 'release_pending'::escrow_hold_status, updated_at = now()
		WHERE h.id IN (
			SELECT c.id FROM escrow_holds c
			WHERE c.status IN ('held'::escrow_hold_status, 'release_pending'::escrow_hold_status)
			  AND c.auto_release_at IS NOT NULL
			  AND c.auto_release_at <= now()
			  AND NOT EXISTS (
				SELECT 1 FROM disputes d
				WHERE d.hold_id = c.id
				  AND d.status IN ('open'::dispute_status, 'under_review'::dispute_status)
			  )
			ORDER BY c.auto_release_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING ` + holdColumns

	rows, err := r.pool.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: claim expired: %w", err)
	}
	defer rows.Close()

	out := make([]Hold, 0, limit)
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan claimed hold: %w", err)
		}
		out = append(out, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate claimed holds: %w", err)
	}
	return out, nil
}

// ApplyDistribution is the only mutator that moves a hold to a terminal
// status. The guarded UPDATE, the distribution row, and the settlement event
// share the caller's transaction: a crash between them rolls everything back.
func (r *Repository) ApplyDistribution(ctx context.Context, tx pgx.Tx, holdID string, rec distribution.Record, newStatus Status) (Hold, error) {
	if !newStatus.Terminal() {
		return Hold{}, fmt.Errorf("escrow: %q is not a terminal status", newStatus)
	}

	const updateSQL = `
		UPDATE escrow_holds
		SET status = $2::escrow_hold_status,
		    distributed_cents = $3,
		    auto_release_at = NULL,
		    settled_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('held'::escrow_hold_status, 'release_pending'::escrow_hold_status, 'disputed'::escrow_hold_status)
		  AND amount_cents = $4
		RETURNING ` + holdColumns

	distributed := rec.Gross
	hold, err := scanHold(tx.QueryRow(ctx, updateSQL, holdID, newStatus, distributed, rec.Gross))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Hold{}, r.holdStateErrorTx(ctx, tx, holdID)
		}
		return Hold{}, fmt.Errorf("escrow: apply distribution: %w", err)
	}

	const insertSQL = `
		INSERT INTO distribution_records (
			hold_id, outcome, gross_cents, platform_fee_cents, firm_commission_cents,
			practitioner_gross_cents, withheld_tax_cents, practitioner_net_cents, refund_cents,
			refund_percent, platform_fee_bps, firm_commission_bps, withholding_tax_bps
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		holdID,
		rec.Outcome,
		rec.Gross,
		rec.PlatformFee,
		rec.FirmCommission,
		rec.PractitionerGross,
		rec.WithheldTax,
		rec.PractitionerNet,
		rec.Refund,
		rec.RefundPercent,
		rec.PlatformFeeBps,
		rec.FirmCommissionBps,
		rec.WithholdingTaxBps,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Hold{}, ErrInvalidHoldState
		}
		return Hold{}, fmt.Errorf("escrow: insert distribution record: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, "escrow.settled", map[string]any{
		"hold_id":    holdID,
		"new_status": string(newStatus),
		"outcome":    string(rec.Outcome),
		"gross":      int64(rec.Gross),
		"refund":     int64(rec.Refund),
	}); err != nil {
		return Hold{}, err
	}

	return hold, nil
}

// GetDistribution returns the persisted distribution record for a settled hold.
func (r *Repository) GetDistribution(ctx context.Context, holdID string) (distribution.Record, error) {
	const selectSQL = `
		SELECT outcome, gross_cents, platform_fee_cents, firm_commission_cents,
		       practitioner_gross_cents, withheld_tax_cents, practitioner_net_cents, refund_cents,
		       refund_percent, platform_fee_bps, firm_commission_bps, withholding_tax_bps
		FROM distribution_records
		WHERE hold_id = $1
	`

	var rec distribution.Record
	err := r.pool.QueryRow(ctx, selectSQL, holdID).Scan(
		&rec.Outcome,
		&rec.Gross,
		&rec.PlatformFee,
		&rec.FirmCommission,
		&rec.PractitionerGross,
		&rec.WithheldTax,
		&rec.PractitionerNet,
		&rec.Refund,
		&rec.RefundPercent,
		&rec.PlatformFeeBps,
		&rec.FirmCommissionBps,
		&rec.WithholdingTaxBps,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return distribution.Record{}, ErrHoldNotFound
		}
		return distribution.Record{}, fmt.Errorf("escrow: get distribution: %w", err)
	}
	return rec, nil
}

// holdStateError distinguishes a missing hold from a state conflict after a
// guarded UPDATE matched nothing.
func (r *Repository) holdStateError(ctx context.Context, holdID string) error {
	var status string
	if err := r.pool.QueryRow(ctx, `SELECT status::text FROM escrow_holds WHERE id = $1`, holdID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrHoldNotFound
		}
		return fmt.Errorf("escrow: fetch hold status: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrInvalidHoldState, status)
}

func (r *Repository) holdStateErrorTx(ctx context.Context, tx pgx.Tx, holdID string) error {
	var status string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM escrow_holds WHERE id = $1`, holdID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrHoldNotFound
		}
		return fmt.Errorf("escrow: fetch hold status: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrInvalidHoldState, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHold(row rowScanner) (Hold, error) {
	var h Hold
	err := row.Scan(
		&h.ID,
		&h.EngagementID,
		&h.Amount,
		&h.Status,
		&h.AutoReleaseAt,
		&h.Distributed,
		&h.CreatedAt,
		&h.UpdatedAt,
		&h.SettledAt,
	)
	return h, err
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
