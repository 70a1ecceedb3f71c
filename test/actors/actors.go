package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/settlement"
)

// tolerable reports whether an actor error is an expected casualty of
// contention (or of the chaos agent killing backends) rather than a bug.
// Validation and authorization failures are never tolerable: the harness only
// issues well-formed, authorized calls, so those indicate a real defect.
func tolerable(err error) bool {
	var ve dispute.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, settlement.ErrUnauthorized) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func checked(err error) error {
	if err == nil || tolerable(err) {
		return nil
	}
	return err
}

// Funder plays the upstream workflow: it delivers fresh engagements and opens
// their holds with deadlines short enough that the sweep fires mid-run.
func Funder(ctx context.Context, pool *pgxpool.Pool, svc *settlement.Service, clientID, practitionerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := int64(10000 + rand.Intn(990000))
		var engID string
		err := pool.QueryRow(ctx, `
			INSERT INTO engagements (client_id, practitioner_id, amount_cents,
				platform_fee_bps, firm_commission_bps, withholding_tax_bps, delivered_at)
			VALUES ($1, $2, $3, 1500, 0, 1000, now())
			RETURNING id`, clientID, practitionerID, amount).Scan(&engID)
		if err == nil {
			delay := time.Duration(500+rand.Intn(2000)) * time.Millisecond
			if _, err := svc.CreateHold(ctx, engID, delay); err != nil {
				if err := checked(err); err != nil {
					return fmt.Errorf("funder create hold: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Disputant races the sweep: it picks a random held hold and raises a dispute
// with initial evidence. Losing the race to an auto-release is expected.
func Disputant(ctx context.Context, pool *pgxpool.Pool, svc *settlement.Service, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var holdID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM escrow_holds WHERE status = 'held' ORDER BY random() LIMIT 1`).Scan(&holdID)
		if err == nil {
			items := []dispute.Evidence{{
				Kind:        "document",
				RefURL:      fmt.Sprintf("https://files.example/%s", holdID),
				Description: "initial submission",
			}}
			_, err := svc.RaiseDispute(ctx, clientID, holdID,
				"deliverable does not match the agreed scope of work", items)
			if err := checked(err); err != nil {
				return fmt.Errorf("disputant raise: %w", err)
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(150)) * time.Millisecond)
	}
}

// EvidenceSubmitter attaches counter-party evidence to random active
// disputes, which also drives the open -> under_review transition.
func EvidenceSubmitter(ctx context.Context, pool *pgxpool.Pool, svc *settlement.Service, practitionerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM disputes WHERE status IN ('open','under_review') ORDER BY random() LIMIT 1`).Scan(&disputeID)
		if err == nil {
			items := []dispute.Evidence{{
				Kind:   "message",
				RefURL: fmt.Sprintf("https://files.example/msg-%d", rand.Int63()),
			}}
			_, err := svc.AddEvidence(ctx, practitionerID, disputeID, items)
			if err := checked(err); err != nil {
				return fmt.Errorf("evidence submit: %w", err)
			}
		}
		time.Sleep(time.Duration(60+rand.Intn(120)) * time.Millisecond)
	}
}

// Arbiter resolves random active disputes with a random outcome, sprinkling
// in notes, priority changes, escalations, and closes of resolved disputes.
func Arbiter(ctx context.Context, pool *pgxpool.Pool, svc *settlement.Service, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM disputes WHERE status IN ('open','under_review') ORDER BY random() LIMIT 1`).Scan(&disputeID)
		if err == nil {
			switch rand.Intn(6) {
			case 0:
				_, err = svc.AddArbiterNote(ctx, arbiterID, disputeID, "reviewed submitted evidence")
			case 1:
				levels := []dispute.Priority{dispute.PriorityLow, dispute.PriorityHigh, dispute.PriorityUrgent}
				_, err = svc.UpdatePriority(ctx, arbiterID, disputeID, levels[rand.Intn(len(levels))])
			case 2:
				_, err = svc.Escalate(ctx, arbiterID, disputeID)
			default:
				outcome, pct := randomOutcome()
				_, err = svc.Resolve(ctx, arbiterID, disputeID, outcome, pct,
					"weighed both submissions and applied the engagement terms")
			}
			if err := checked(err); err != nil {
				return fmt.Errorf("arbiter: %w", err)
			}
		}

		var resolvedID string
		if err := pool.QueryRow(ctx,
			`SELECT id FROM disputes WHERE status = 'resolved' ORDER BY random() LIMIT 1`).Scan(&resolvedID); err == nil {
			if _, err := svc.CloseDispute(ctx, arbiterID, resolvedID); err != nil {
				if err := checked(err); err != nil {
					return fmt.Errorf("arbiter close: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

func randomOutcome() (distribution.Outcome, *int) {
	switch rand.Intn(3) {
	case 0:
		return distribution.OutcomeRelease, nil
	case 1:
		return distribution.OutcomeFullRefund, nil
	default:
		pct := 1 + rand.Intn(99)
		return distribution.OutcomePartialRefund, &pct
	}
}

// Sweeper runs the auto-release sweep in a tight loop; several sweepers
// running at once is the point.
func Sweeper(ctx context.Context, svc *settlement.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.AutoReleaseSweep(ctx); err != nil {
			if errors.Is(err, escrow.ErrInvalidHoldState) || tolerable(err) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("sweeper: %w", err)
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox events with SKIP LOCKED, marking each
// batch published.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx,
			`SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 20`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 20)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
