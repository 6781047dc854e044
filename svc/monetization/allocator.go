package monetization

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dmitrymomot/promokit/pkg/logger"
)

const summaryCacheKey = "summary"

// TryGrantFreeSlot hands one unit of the shared free-trial quota to the
// profile. The marker check, the conditional decrement, the captured
// free_trial record and the activation form one unit of work. A profile
// that already used its free slot is denied with DenyAlreadyGranted even
// when slots remain.
func (s *Service) TryGrantFreeSlot(ctx context.Context, profileID string) (GrantResult, error) {
	plan, err := s.catalog.GetPlan(PlanFreeTrial)
	if err != nil {
		return GrantResult{}, err
	}

	var (
		res    GrantResult
		events []Event
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		res, events = GrantResult{}, nil

		granted, err := tx.HasFreeGrant(ctx, profileID)
		if err != nil {
			return err
		}
		if granted {
			res.Reason = DenyAlreadyGranted
			return nil
		}

		now := s.now()

		p, err := s.loadProfile(ctx, tx, profileID)
		if err != nil {
			return err
		}
		if p.IsPaid && !p.due(now) {
			return errors.Join(ErrInvalidState, errors.New("profile already has an active plan"))
		}

		ok, err := tx.TakeFreeSlot(ctx)
		if err != nil {
			return err
		}
		if !ok {
			res.Reason = DenyExhausted
			return nil
		}

		rec := &PaymentRecord{
			ID:         s.newID(),
			ProfileID:  profileID,
			Provider:   ProviderFree,
			Amount:     0,
			Currency:   plan.Price.Currency,
			PlanType:   PlanFreeTrial,
			Status:     StatusCaptured,
			CreatedAt:  now,
			UpdatedAt:  now,
			CapturedAt: &now,
		}
		if err := tx.InsertPayment(ctx, rec); err != nil {
			return err
		}
		if err := tx.InsertFreeGrant(ctx, FreeGrant{ProfileID: profileID, PaymentID: rec.ID, GrantedAt: now}); err != nil {
			return err
		}

		profile, err := s.activateTx(ctx, tx, profileID, plan, now, &events)
		if err != nil {
			return err
		}

		res = GrantResult{Granted: true, Record: rec, Profile: profile}
		events = append([]Event{recordEvent(EventFreeSlotGranted, rec)}, events...)
		return nil
	})
	if errors.Is(err, ErrAlreadyGranted) {
		// The marker was inserted by a concurrent request for the same profile.
		res, err = GrantResult{Reason: DenyAlreadyGranted}, nil
	}
	if err != nil {
		s.metrics.freeSlotRequest("error")
		return GrantResult{}, err
	}

	log := s.logger.With(logger.ProfileID(profileID))
	if res.Granted {
		s.metrics.freeSlotRequest("granted")
		log.InfoContext(ctx, "free slot granted", logger.PaymentID(res.Record.ID))
	} else {
		s.metrics.freeSlotRequest(string(res.Reason))
		log.InfoContext(ctx, "free slot denied", slog.String("reason", string(res.Reason)))
	}
	s.publish(ctx, events...)
	return res, nil
}

// ReleaseFreeSlot rolls back the profile's free grant: the slot returns to
// the pool and the profile may claim again.
func (s *Service) ReleaseFreeSlot(ctx context.Context, profileID string) error {
	var events []Event
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		events = nil
		return s.releaseFreeSlotTx(ctx, tx, profileID, &events)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events...)
	return nil
}

func (s *Service) releaseFreeSlotTx(ctx context.Context, tx Tx, profileID string, events *[]Event) error {
	granted, err := tx.HasFreeGrant(ctx, profileID)
	if err != nil {
		return err
	}
	if !granted {
		return nil
	}
	if err := tx.DeleteFreeGrant(ctx, profileID); err != nil {
		return err
	}
	if err := tx.ReturnFreeSlot(ctx); err != nil {
		return err
	}
	*events = append(*events, Event{
		Name:       EventFreeSlotReleased,
		ProfileID:  profileID,
		Plan:       PlanFreeTrial,
		OccurredAt: s.now(),
	})
	return nil
}

// ResetFreeSlots sets both the remaining and the total quota to total.
// Existing grants stay consumed.
func (s *Service) ResetFreeSlots(ctx context.Context, total int) error {
	if total < 0 {
		return errors.Join(ErrInvalidState, errors.New("free slot total must not be negative"))
	}
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ResetFreeSlots(ctx, total)
	})
	if err != nil {
		return err
	}
	s.metrics.freeSlotsLeft(total)
	s.invalidateSummary(ctx)
	s.logger.InfoContext(ctx, "free slots reset", slog.Int("total", total))
	return nil
}

// FreeSlots returns the current quota.
func (s *Service) FreeSlots(ctx context.Context) (FreeSlotCounter, error) {
	return s.store.FreeSlots(ctx)
}

// PricingSummary composes the catalog with the free-slot availability.
func (s *Service) PricingSummary(ctx context.Context) (PricingSummary, error) {
	if s.cache != nil {
		v, ok, err := s.cache.Get(ctx, summaryCacheKey)
		if err != nil {
			s.logger.WarnContext(ctx, "pricing summary cache read failed", logger.Error(err))
		} else if ok {
			return v, nil
		}
	}

	slots, err := s.store.FreeSlots(ctx)
	if err != nil {
		return PricingSummary{}, err
	}
	s.metrics.freeSlotsLeft(slots.Remaining)

	_, hasTrial := s.catalog.index[PlanFreeTrial]
	summary := PricingSummary{
		Plans:                  s.catalog.Views(s.lang),
		FreePromotionAvailable: hasTrial && slots.Remaining > 0,
		RemainingFreeSpots:     slots.Remaining,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, summaryCacheKey, summary); err != nil {
			s.logger.WarnContext(ctx, "pricing summary cache write failed", logger.Error(err))
		}
	}
	return summary, nil
}

func (s *Service) invalidateSummary(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, summaryCacheKey); err != nil {
		s.logger.WarnContext(ctx, "pricing summary cache invalidation failed", logger.Error(err))
	}
}

func (s *Service) observeFreeSlots(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if slots, err := s.store.FreeSlots(ctx); err == nil {
		s.metrics.freeSlotsLeft(slots.Remaining)
	}
}
