package settlement

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/dispute"
	"escrowflow/distribution"
	"escrowflow/escrow"
)

const sweepBatchSize = 50

// AutoReleaseSweep settles every hold whose deadline has passed with no open
// dispute, exactly as if an arbiter had chosen release. Safe to run from
// multiple workers: each candidate is claimed held -> release_pending by a
// compare-and-set before its distribution is computed, so duplicate runs
// cannot double-release. Returns the number of holds settled this pass.
func (s *Service) AutoReleaseSweep(ctx context.Context) (int, error) {
	claimed, err := s.holds.ClaimExpired(ctx, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, hold := range claimed {
		if err := s.settleClaimed(ctx, hold); err != nil {
			// A conflict means another worker or an arbiter got there first;
			// the claim loser simply moves on.
			if errors.Is(err, escrow.ErrInvalidHoldState) || errors.Is(err, dispute.ErrAlreadyResolved) {
				continue
			}
			errs = append(errs, fmt.Errorf("settlement: sweep hold %s: %w", hold.ID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

func (s *Service) settleClaimed(ctx context.Context, hold escrow.Hold) error {
	eng, err := s.engagements.GetEngagement(ctx, hold.EngagementID)
	if err != nil {
		return err
	}

	rec, err := s.computeDistribution(hold.Amount, eng, distribution.OutcomeRelease, nil)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.holds.ApplyDistribution(ctx, tx, hold.ID, rec, escrow.StatusReleased); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit sweep tx: %w", err)
	}
	return nil
}
