package monetization

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/promokit/pkg/logger"
)

// SweepStalePending cancels pending records that never got a provider
// order id within the configured window. Cancellation goes through the
// payment state machine, so free-trial rollback rules apply.
func (s *Service) SweepStalePending(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.staleAfter)

	recs, err := s.store.StalePending(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	var (
		cancelled int
		errs      []error
	)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := s.cancel(ctx, rec.ID, func(r *PaymentRecord) error {
			// Re-checked inside the unit of work: the order id may have been
			// attached since the listing.
			if r.ProviderOrderID != "" || r.Status != StatusPending || !r.CreatedAt.Before(cutoff) {
				return errSkip
			}
			return nil
		})
		switch {
		case errors.Is(err, errSkip), errors.Is(err, ErrInvalidState):
			continue
		case err != nil:
			s.logger.ErrorContext(ctx, "failed to cancel stale payment", logger.PaymentID(rec.ID), logger.Error(err))
			errs = append(errs, err)
			continue
		}
		cancelled++
	}

	s.metrics.staleCancelled(cancelled)
	if cancelled > 0 {
		s.logger.InfoContext(ctx, "stale pending payments cancelled",
			slog.Int("count", cancelled), logger.Duration(s.staleAfter))
	}
	return cancelled, errors.Join(errs...)
}

var errSkip = errors.New("skip")
