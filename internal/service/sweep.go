package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/richardliu001/mpesa-ledger/internal/model"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
)

// ExpirePending fails transactions that have waited longer than
// PendingTimeout for their callback, releasing any reserved funds. It returns
// the number of transactions failed. A callback that settles a row first
// wins; that row is skipped.
func (s *FundService) ExpirePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.PendingTimeout)
	expired := 0
	for {
		batch, err := s.repo.ListExpiredPending(ctx, cutoff, s.cfg.SweepBatch)
		if err != nil {
			return expired, fmt.Errorf("ExpirePending: %w", err)
		}
		progressed := false
		for _, t := range batch {
			updated, err := s.repo.Transition(ctx, t.ID, model.StatusPending, model.StatusFailed,
				repo.TransitionDetails{FailureReason: model.FailureTimeout})
			if errors.Is(err, repo.ErrStaleTransition) {
				continue
			}
			if err != nil {
				return expired, fmt.Errorf("ExpirePending: %w", err)
			}
			progressed = true
			expired++
			s.log.Infow("pending transaction timed out",
				"transaction_id", t.ID, "kind", t.Kind, "created_at", t.CreatedAt)
			s.notifySettled(ctx, updated)
		}
		if len(batch) < s.cfg.SweepBatch || !progressed {
			return expired, nil
		}
	}
}
