package monetization

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/promokit/pkg/logger"
)

// Profile returns the monetization state of a profile. A profile the store
// has never seen is returned as unpaid and inactive.
func (s *Service) Profile(ctx context.Context, profileID string) (*Profile, error) {
	return s.loadProfile(ctx, s.store, profileID)
}

func (s *Service) loadProfile(ctx context.Context, tx Tx, profileID string) (*Profile, error) {
	p, err := tx.GetProfile(ctx, profileID)
	if errors.Is(err, ErrNotFound) {
		return &Profile{ID: profileID}, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Activate marks the profile paid and active for plan, starting at from.
func (s *Service) Activate(ctx context.Context, profileID string, planType PlanType, from time.Time) (*Profile, error) {
	plan, err := s.catalog.GetPlan(planType)
	if err != nil {
		return nil, err
	}

	var (
		p      *Profile
		events []Event
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		events = nil
		var err error
		p, err = s.activateTx(ctx, tx, profileID, plan, from, &events)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events...)
	return p, nil
}

func (s *Service) activateTx(ctx context.Context, tx Tx, profileID string, plan PricingPlan, from time.Time, events *[]Event) (*Profile, error) {
	p, err := s.loadProfile(ctx, tx, profileID)
	if err != nil {
		return nil, err
	}

	if p.Lifetime() && plan.DurationDays > 0 {
		s.logger.WarnContext(ctx, "time-bound plan captured for a lifetime profile, keeping lifetime",
			logger.ProfileID(profileID), logger.Plan(plan.Type))
		return p, nil
	}

	planType := plan.Type
	p.IsPaid = true
	p.IsActive = true
	p.PlanType = &planType
	p.PaidUntil = plan.PaidUntil(from)
	p.RenewalAttempts = 0
	p.NextRenewalAt = nil
	p.UpdatedAt = s.now()
	if err := tx.SaveProfile(ctx, p); err != nil {
		return nil, err
	}

	*events = append(*events, Event{
		Name:       EventProfileActivated,
		ProfileID:  profileID,
		Plan:       plan.Type,
		PaidUntil:  p.PaidUntil,
		OccurredAt: p.UpdatedAt,
	})
	return p, nil
}

// Deactivate revokes the profile's paid status immediately.
func (s *Service) Deactivate(ctx context.Context, profileID string) error {
	var events []Event
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		events = nil
		return s.deactivateTx(ctx, tx, profileID, &events)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events...)
	return nil
}

func (s *Service) deactivateTx(ctx context.Context, tx Tx, profileID string, events *[]Event) error {
	p, err := s.loadProfile(ctx, tx, profileID)
	if err != nil {
		return err
	}
	if !p.IsPaid && !p.IsActive {
		return nil
	}

	now := s.now()
	p.IsPaid = false
	p.IsActive = false
	p.PlanType = nil
	p.PaidUntil = &now
	p.RenewalAttempts = 0
	p.NextRenewalAt = nil
	p.UpdatedAt = now
	if err := tx.SaveProfile(ctx, p); err != nil {
		return err
	}

	*events = append(*events, Event{Name: EventProfileRevoked, ProfileID: profileID, OccurredAt: now})
	return nil
}

// expireTx demotes a profile whose period has ended. disableRenewal is set
// when auto-renewal gave up.
func (s *Service) expireTx(ctx context.Context, tx Tx, p *Profile, disableRenewal bool, events *[]Event) error {
	var plan PlanType
	if p.PlanType != nil {
		plan = *p.PlanType
	}

	p.IsPaid = false
	p.IsActive = false
	p.PlanType = nil
	p.NextRenewalAt = nil
	p.RenewalAttempts = 0
	if disableRenewal {
		p.AutoRenewal = false
	}
	p.UpdatedAt = s.now()
	if err := tx.SaveProfile(ctx, p); err != nil {
		return err
	}

	*events = append(*events, Event{
		Name:       EventProfileExpired,
		ProfileID:  p.ID,
		Plan:       plan,
		PaidUntil:  p.PaidUntil,
		OccurredAt: p.UpdatedAt,
	})
	return nil
}

// ExpireDue demotes every profile whose paid period ended before now and
// that does not renew automatically. Each profile is re-read in its own
// unit of work, so one that was extended meanwhile is left alone. Failures
// on single profiles do not stop the run; they are returned joined.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	var (
		expired int
		errs    []error
	)
	for {
		ids, err := s.store.DueProfiles(ctx, now, false, s.batchSize)
		if err != nil {
			return expired, errors.Join(append(errs, err)...)
		}

		progress := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, errors.Join(append(errs, err)...)
			}
			ok, err := s.expireOne(ctx, id, now)
			if err != nil {
				s.logger.ErrorContext(ctx, "failed to expire profile", logger.ProfileID(id), logger.Error(err))
				errs = append(errs, err)
				continue
			}
			if ok {
				progress++
			}
		}
		expired += progress

		if len(ids) < s.batchSize || progress == 0 {
			break
		}
	}

	if expired > 0 {
		s.logger.InfoContext(ctx, "expired profiles", slog.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (s *Service) expireOne(ctx context.Context, profileID string, now time.Time) (bool, error) {
	var (
		done   bool
		events []Event
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		done, events = false, nil

		p, err := tx.GetProfile(ctx, profileID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.due(now) || p.AutoRenewal {
			return nil
		}
		if err := s.expireTx(ctx, tx, p, false, &events); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(ctx, events...)
	return done, nil
}

// SetAutoRenewal turns automatic renewal on or off for the profile.
func (s *Service) SetAutoRenewal(ctx context.Context, profileID string, enabled bool) (*Profile, error) {
	var p *Profile
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = s.loadProfile(ctx, tx, profileID)
		if err != nil {
			return err
		}
		if p.AutoRenewal == enabled {
			return nil
		}
		p.AutoRenewal = enabled
		if enabled {
			p.RenewalAttempts = 0
			p.NextRenewalAt = nil
		}
		p.UpdatedAt = s.now()
		return tx.SaveProfile(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "auto-renewal updated",
		logger.ProfileID(profileID), slog.Bool("enabled", enabled))
	return p, nil
}
