package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must return zero rows on a healthy
// database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_money_conserved",
			SQL: `SELECT hold_id FROM distribution_records
                  WHERE platform_fee_cents + firm_commission_cents + withheld_tax_cents
                        + practitioner_net_cents + refund_cents <> gross_cents`,
		},
		{
			Name: "O2_single_distribution_per_hold",
			SQL: `SELECT hold_id, COUNT(*) FROM distribution_records
                  GROUP BY hold_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_terminal_iff_distributed",
			SQL: `SELECT h.id FROM escrow_holds h
                  LEFT JOIN distribution_records dr ON dr.hold_id = h.id
                  WHERE (h.status IN ('released','refunded','partially_refunded')) <> (dr.id IS NOT NULL)`,
		},
		{
			Name: "O4_no_release_under_open_dispute",
			SQL: `SELECT h.id, h.status, d.status FROM escrow_holds h
                  JOIN disputes d ON d.hold_id = h.id
                  WHERE d.status IN ('open','under_review')
                    AND h.status NOT IN ('disputed')`,
		},
		{
			Name: "O5_outcome_matches_terminal_status",
			SQL: `SELECT h.id, h.status, d.outcome FROM escrow_holds h
                  JOIN disputes d ON d.hold_id = h.id
                  WHERE d.status IN ('resolved','closed')
                    AND h.status <> CASE d.outcome
                        WHEN 'release' THEN 'released'
                        WHEN 'partial_refund' THEN 'partially_refunded'
                        WHEN 'full_refund' THEN 'refunded'
                    END::escrow_hold_status`,
		},
		{
			Name: "O6_evidence_window_closed_at_resolution",
			SQL: `SELECT e.id FROM dispute_evidence e
                  JOIN disputes d ON d.id = e.dispute_id
                  WHERE d.resolved_at IS NOT NULL AND e.submitted_at > d.resolved_at`,
		},
		{
			Name: "O7_deadline_cleared_after_settlement",
			SQL: `SELECT id, status FROM escrow_holds
                  WHERE status IN ('disputed','released','refunded','partially_refunded')
                    AND auto_release_at IS NOT NULL`,
		},
		{
			Name: "O8_settled_event_per_distribution",
			SQL: `SELECT dr.hold_id FROM distribution_records dr
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'escrow.settled' AND o.payload->>'hold_id' = dr.hold_id)`,
		},
		{
			Name: "O9_resolved_dispute_has_outcome",
			SQL: `SELECT id FROM disputes
                  WHERE status IN ('resolved','closed')
                    AND (outcome IS NULL OR resolved_by IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O10_partial_refund_has_percent",
			SQL: `SELECT id FROM disputes
                  WHERE outcome = 'partial_refund'
                    AND (refund_percent IS NULL OR refund_percent NOT BETWEEN 0 AND 100)`,
		},
		{
			Name: "O11_held_event_per_hold",
			SQL: `SELECT h.id FROM escrow_holds h
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o
                      WHERE o.topic = 'escrow.held' AND o.payload->>'hold_id' = h.id)`,
		},
		{
			Name: "O12_dispute_lifecycle_events",
			SQL: `SELECT d.id, d.status FROM disputes d
                  WHERE NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic = 'dispute.raised' AND o.payload->>'dispute_id' = d.id)
                     OR (d.status = 'under_review' AND NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic = 'dispute.under_review' AND o.payload->>'dispute_id' = d.id))
                     OR (d.status IN ('resolved','closed') AND NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic = 'dispute.resolved' AND o.payload->>'dispute_id' = d.id))
                     OR (d.status = 'closed' AND NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic = 'dispute.closed' AND o.payload->>'dispute_id' = d.id))`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
