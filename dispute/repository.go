package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/distribution"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyDisputed signals a second dispute against the same hold.
	ErrAlreadyDisputed = errors.New("dispute: hold already disputed")
	// ErrAlreadyResolved is what the loser of a concurrent resolve observes.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	ErrBadStatus       = errors.New("dispute: invalid status transition")
)

const disputeColumns = `id, hold_id, raised_by, reason, status::text, priority::text, escalated,
	outcome, refund_percent, resolution_notes, resolved_by, created_at, updated_at, resolved_at`

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

// CreateParams enumerates the fields required to open a dispute.
type CreateParams struct {
	HoldID   string
	RaisedBy string
	Reason   string
	Priority Priority
}

// Create inserts the dispute row and its raised event inside the caller's
// transaction, so it commits or rolls back together with the hold flip to
// disputed. The unique index on hold_id turns a concurrent second raise into
// ErrAlreadyDisputed.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Record, error) {
	if params.Priority == "" {
		params.Priority = PriorityNormal
	}

	const insertSQL = `
		INSERT INTO disputes (id, hold_id, raised_by, reason, status, priority)
		VALUES ($1, $2, $3, $4, 'open'::dispute_status, $5::dispute_priority)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, insertSQL, r.idGen(), params.HoldID, params.RaisedBy, params.Reason, params.Priority))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyDisputed
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, "dispute.raised", map[string]any{
		"dispute_id": rec.ID,
		"hold_id":    rec.HoldID,
		"new_status": string(rec.Status),
		"raised_by":  rec.RaisedBy,
	}); err != nil {
		return Record{}, err
	}

	return rec, nil
}

func (r *Repository) GetByID(ctx context.Context, disputeID string) (Record, error) {
	rec, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByHold(ctx context.Context, holdID string) (Record, error) {
	rec, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE hold_id = $1`, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by hold: %w", err)
	}
	return rec, nil
}

// LockByID fetches the dispute FOR UPDATE inside the caller's transaction.
func (r *Repository) LockByID(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	rec, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return rec, nil
}

// AppendEvidence inserts evidence items inside the caller's transaction. The
// status guard in the INSERT keeps the append-only window closed once the
// dispute leaves open/under_review, even under concurrent resolution.
func (r *Repository) AppendEvidence(ctx context.Context, tx pgx.Tx, disputeID, submittedBy string, items []Evidence) ([]Evidence, error) {
	const insertSQL = `
		INSERT INTO dispute_evidence (dispute_id, submitted_by, kind, ref_url, description)
		SELECT $1, $2, $3, $4, $5
		FROM disputes d
		WHERE d.id = $1 AND d.status IN ('open'::dispute_status, 'under_review'::dispute_status)
		RETURNING id, dispute_id, submitted_by, kind, ref_url, description, submitted_at
	`

	out := make([]Evidence, 0, len(items))
	for _, item := range items {
		var ev Evidence
		err := tx.QueryRow(ctx, insertSQL, disputeID, submittedBy, item.Kind, item.RefURL, item.Description).
			Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &ev.Kind, &ev.RefURL, &ev.Description, &ev.SubmittedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: evidence window closed", ErrBadStatus)
			}
			return nil, fmt.Errorf("dispute: append evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// MarkUnderReview advances open to under_review; already under_review is a
// no-op so counter-party evidence stays idempotent. The event is enqueued only
// when the flip actually happened.
func (r *Repository) MarkUnderReview(ctx context.Context, tx pgx.Tx, disputeID string) error {
	const updateSQL = `
		UPDATE disputes
		SET status = 'under_review'::dispute_status, updated_at = now()
		WHERE id = $1 AND status = 'open'::dispute_status
		RETURNING hold_id
	`
	var holdID string
	if err := tx.QueryRow(ctx, updateSQL, disputeID).Scan(&holdID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("dispute: mark under review: %w", err)
	}
	return enqueueOutbox(ctx, tx, "dispute.under_review", map[string]any{
		"dispute_id": disputeID,
		"hold_id":    holdID,
		"new_status": string(StatusUnderReview),
	})
}

func (r *Repository) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	const query = `
		SELECT id, dispute_id, submitted_by, kind, ref_url, description, submitted_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY submitted_at, id
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 8)
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &ev.Kind, &ev.RefURL, &ev.Description, &ev.SubmittedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

// AppendNote records an arbiter annotation. Audit only; no state change, so
// it runs outside any transaction.
func (r *Repository) AppendNote(ctx context.Context, disputeID, arbiterID, note string) (ArbiterNote, error) {
	const insertSQL = `
		INSERT INTO arbiter_notes (dispute_id, arbiter_id, note)
		SELECT $1, $2, $3
		FROM disputes d
		WHERE d.id = $1 AND d.status IN ('open'::dispute_status, 'under_review'::dispute_status)
		RETURNING id, dispute_id, arbiter_id, note, created_at
	`
	var n ArbiterNote
	err := r.pool.QueryRow(ctx, insertSQL, disputeID, arbiterID, note).
		Scan(&n.ID, &n.DisputeID, &n.ArbiterID, &n.Note, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ArbiterNote{}, r.noteStateError(ctx, disputeID)
		}
		return ArbiterNote{}, fmt.Errorf("dispute: append note: %w", err)
	}
	return n, nil
}

func (r *Repository) ListNotes(ctx context.Context, disputeID string) ([]ArbiterNote, error) {
	const query = `
		SELECT id, dispute_id, arbiter_id, note, created_at
		FROM arbiter_notes
		WHERE dispute_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list notes: %w", err)
	}
	defer rows.Close()

	out := make([]ArbiterNote, 0, 8)
	for rows.Next() {
		var n ArbiterNote
		if err := rows.Scan(&n.ID, &n.DisputeID, &n.ArbiterID, &n.Note, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan note: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate notes: %w", err)
	}
	return out, nil
}

// UpdatePriority changes the priority while the dispute is still active.
func (r *Repository) UpdatePriority(ctx context.Context, disputeID string, priority Priority) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET priority = $2::dispute_priority, updated_at = now()
		WHERE id = $1 AND status IN ('open'::dispute_status, 'under_review'::dispute_status)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(r.pool.QueryRow(ctx, updateSQL, disputeID, priority))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, r.noteStateError(ctx, disputeID)
		}
		return Record{}, fmt.Errorf("dispute: update priority: %w", err)
	}
	return rec, nil
}

// Escalate forces the priority to urgent and flags the dispute.
func (r *Repository) Escalate(ctx context.Context, disputeID string) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET priority = 'urgent'::dispute_priority, escalated = true, updated_at = now()
		WHERE id = $1 AND status IN ('open'::dispute_status, 'under_review'::dispute_status)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(r.pool.QueryRow(ctx, updateSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, r.noteStateError(ctx, disputeID)
		}
		return Record{}, fmt.Errorf("dispute: escalate: %w", err)
	}
	return rec, nil
}

// ResolveParams carries the arbiter's chosen outcome.
type ResolveParams struct {
	DisputeID     string
	ArbiterID     string
	Outcome       distribution.Outcome
	RefundPercent *int
	Narrative     string
}

// Resolve performs the compare-and-set to resolved inside the caller's
// transaction. Of two concurrent resolvers exactly one UPDATE matches; the
// loser gets ErrAlreadyResolved and must not apply a distribution.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, params ResolveParams) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = 'resolved'::dispute_status,
		    outcome = $2,
		    refund_percent = $3,
		    resolution_notes = $4,
		    resolved_by = $5,
		    resolved_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status IN ('open'::dispute_status, 'under_review'::dispute_status)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, updateSQL,
		params.DisputeID, params.Outcome, params.RefundPercent, params.Narrative, params.ArbiterID))
	if err == nil {
		if err := enqueueOutbox(ctx, tx, "dispute.resolved", map[string]any{
			"dispute_id": rec.ID,
			"hold_id":    rec.HoldID,
			"new_status": string(rec.Status),
			"outcome":    string(params.Outcome),
		}); err != nil {
			return Record{}, err
		}
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	var status Status
	if err := tx.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, params.DisputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	if status == StatusResolved || status == StatusClosed {
		return Record{}, ErrAlreadyResolved
	}
	return Record{}, fmt.Errorf("%w: %s -> %s", ErrBadStatus, status, StatusResolved)
}

// Close archives a resolved dispute. Informational only, but still a state
// transition, so the archival event commits together with the CAS.
func (r *Repository) Close(ctx context.Context, disputeID string) (Record, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = 'closed'::dispute_status, updated_at = now()
		WHERE id = $1 AND status = 'resolved'::dispute_status
		RETURNING ` + disputeColumns

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin close: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanDispute(tx.QueryRow(ctx, updateSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, r.noteStateError(ctx, disputeID)
		}
		return Record{}, fmt.Errorf("dispute: close: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, "dispute.closed", map[string]any{
		"dispute_id": rec.ID,
		"hold_id":    rec.HoldID,
		"new_status": string(rec.Status),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit close: %w", err)
	}
	return rec, nil
}

// noteStateError distinguishes a missing dispute from a closed state window.
func (r *Repository) noteStateError(ctx context.Context, disputeID string) error {
	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status::text FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("dispute: fetch status: %w", err)
	}
	if status == StatusResolved || status == StatusClosed {
		return ErrAlreadyResolved
	}
	return fmt.Errorf("%w: status %s", ErrBadStatus, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.HoldID,
		&rec.RaisedBy,
		&rec.Reason,
		&rec.Status,
		&rec.Priority,
		&rec.Escalated,
		&rec.Outcome,
		&rec.RefundPercent,
		&rec.ResolutionNotes,
		&rec.ResolvedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	return rec, err
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}
