package monetization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/promokit/pkg/logger"
)

// RenewReport summarizes one RenewDue run.
type RenewReport struct {
	Renewed int
	// Failed counts attempts that will be retried by a later run.
	Failed int
	// Exhausted counts profiles expired after their last allowed attempt.
	Exhausted int
	// Expired counts profiles without a renewable plan.
	Expired int
	// Pending counts charges the provider has not settled yet.
	Pending int
	Skipped int
}

type renewResult string

const (
	renewRenewed   renewResult = "renewed"
	renewFailed    renewResult = "failed"
	renewExhausted renewResult = "exhausted"
	renewExpired   renewResult = "expired"
	renewPending   renewResult = "pending"
	renewSkipped   renewResult = "skipped"
)

func (r *RenewReport) add(res renewResult) {
	switch res {
	case renewRenewed:
		r.Renewed++
	case renewFailed:
		r.Failed++
	case renewExhausted:
		r.Exhausted++
	case renewExpired:
		r.Expired++
	case renewPending:
		r.Pending++
	default:
		r.Skipped++
	}
}

// renewal is a charge prepared for one profile.
type renewal struct {
	rec           *PaymentRecord
	plan          PricingPlan
	previousOrder string
}

// RenewDue charges every auto-renewing profile whose period ended before
// now and whose retry delay has passed. A failed charge is retried by later
// runs with backoff; after the configured number of attempts the failure
// is reported, the profile expires and auto-renewal is switched off.
func (s *Service) RenewDue(ctx context.Context, now time.Time) (RenewReport, error) {
	var (
		report RenewReport
		errs   []error
	)

	ids, err := s.store.DueProfiles(ctx, now, true, s.batchSize)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(append(errs, err)...)
		}
		res, err := s.renewOne(ctx, id, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to renew profile", logger.ProfileID(id), logger.Error(err))
			errs = append(errs, err)
			continue
		}
		s.metrics.renewal(string(res))
		report.add(res)
	}

	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "renewal run finished",
			slog.Int("renewed", report.Renewed),
			slog.Int("failed", report.Failed),
			slog.Int("exhausted", report.Exhausted),
			slog.Int("expired", report.Expired),
			slog.Int("pending", report.Pending),
			slog.Int("skipped", report.Skipped),
		)
	}
	return report, errors.Join(errs...)
}

func (s *Service) renewOne(ctx context.Context, profileID string, now time.Time) (renewResult, error) {
	r, res, err := s.prepareRenewal(ctx, profileID, now)
	if err != nil || r == nil {
		return res, err
	}

	log := s.logger.With(logger.ProfileID(profileID), logger.PaymentID(r.rec.ID), logger.Provider(r.rec.Provider))

	pp, err := s.providers.Get(r.rec.Provider)
	if err != nil {
		s.cancelQuietly(ctx, r.rec.ID, err)
		return s.renewalFailed(ctx, profileID, r.rec, now, err)
	}

	order, err := s.createOrder(ctx, pp, OrderRequest{
		PaymentID:       r.rec.ID,
		ProfileID:       profileID,
		Plan:            r.plan,
		Renewal:         true,
		PreviousOrderID: r.previousOrder,
	})
	if err != nil {
		s.cancelQuietly(ctx, r.rec.ID, err)
		return s.renewalFailed(ctx, profileID, r.rec, now, err)
	}

	if _, err := s.AttachProviderOrderID(ctx, r.rec.ID, order.ExternalID); err != nil {
		s.cancelQuietly(ctx, r.rec.ID, err)
		return s.renewalFailed(ctx, profileID, r.rec, now, err)
	}

	status, err := s.captureOrder(ctx, pp, order.ExternalID)
	if err != nil {
		s.cancelQuietly(ctx, r.rec.ID, err)
		return s.renewalFailed(ctx, profileID, r.rec, now, err)
	}

	if _, _, err := s.reconcile(ctx, ProviderEvent{
		Provider:   r.rec.Provider,
		ExternalID: order.ExternalID,
		Type:       status,
	}); err != nil {
		// The provider took the money; its webhook redelivers the capture.
		log.WarnContext(ctx, "renewal captured but not reconciled", logger.Error(err))
		return renewPending, nil
	}

	rec, err := s.store.GetPayment(ctx, r.rec.ID)
	if err != nil {
		return "", err
	}
	switch rec.Status {
	case StatusCaptured:
		log.InfoContext(ctx, "subscription renewed", logger.Plan(rec.PlanType))
		return renewRenewed, nil
	case StatusFailed, StatusCancelled:
		return s.renewalFailed(ctx, profileID, rec, now, fmt.Errorf("provider reported %s", rec.Status))
	default:
		log.InfoContext(ctx, "renewal awaiting settlement", logger.Status(rec.Status))
		return renewPending, nil
	}
}

// prepareRenewal re-reads the profile and opens the renewal record. It
// returns a nil renewal when there is nothing to charge.
func (s *Service) prepareRenewal(ctx context.Context, profileID string, now time.Time) (*renewal, renewResult, error) {
	var (
		r         *renewal
		res       renewResult
		events    []Event
		abandoned *PaymentRecord
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		r, res, events, abandoned = nil, renewSkipped, nil, nil

		p, err := tx.GetProfile(ctx, profileID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !p.due(now) || !p.AutoRenewal {
			return nil
		}
		if p.NextRenewalAt != nil && p.NextRenewalAt.After(now) {
			return nil
		}

		open, err := tx.HasOpenPayment(ctx, profileID)
		if err != nil {
			return err
		}
		if open {
			rec, err := s.unsettled(ctx, tx, profileID, now)
			if err != nil {
				return err
			}
			if rec == nil {
				res = renewPending
				return nil
			}
			if err := s.fire(ctx, tx, rec, evCancel, &events); err != nil {
				return err
			}
			if rec.PeriodStart != nil {
				abandoned = rec
				return nil
			}
		}

		last, err := tx.LatestCaptured(ctx, profileID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var plan PricingPlan
		renewable := last != nil && last.Provider != ProviderFree
		if renewable {
			plan, err = s.catalog.GetPlan(last.PlanType)
			renewable = err == nil && plan.Renewable()
		}
		if !renewable {
			res = renewExpired
			return s.expireTx(ctx, tx, p, true, &events)
		}

		periodStart := *p.PaidUntil
		rec, err := s.createTx(ctx, tx, profileID, last.Provider, plan, &periodStart)
		if err != nil {
			return err
		}
		r = &renewal{rec: rec, plan: plan, previousOrder: last.ProviderOrderID}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if r != nil {
		events = append(events, recordEvent(EventPaymentCreated, r.rec))
	}
	s.publish(ctx, events...)

	if abandoned != nil {
		s.logger.WarnContext(ctx, "renewal charge not settled in time, cancelled",
			logger.ProfileID(profileID),
			logger.PaymentID(abandoned.ID),
			logger.Provider(abandoned.Provider),
			logger.ExternalID(abandoned.ProviderOrderID),
			logger.Duration(s.settleAfter),
		)
		res, err := s.renewalFailed(ctx, profileID, abandoned, now, errSettleTimeout)
		return nil, res, err
	}
	return r, res, nil
}

var errSettleTimeout = errors.New("provider did not settle the renewal charge in time")

// unsettled returns the profile's open record when it has been waiting for
// the provider longer than the settle window, nil otherwise.
func (s *Service) unsettled(ctx context.Context, tx Tx, profileID string, now time.Time) (*PaymentRecord, error) {
	recs, err := tx.ListPayments(ctx, profileID)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-s.settleAfter)
	for i := range recs {
		rec := &recs[i]
		if rec.Status != StatusPending && rec.Status != StatusAuthorized {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			return rec, nil
		}
		return nil, nil
	}
	return nil, nil
}

func (s *Service) captureOrder(ctx context.Context, pp PaymentProvider, externalID string) (EventType, error) {
	ctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	status, err := pp.CaptureOrder(ctx, externalID)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", errors.Join(ErrProviderUnavailable, err)
	}
	return status, err
}

// renewalFailed counts a failed attempt. Once the attempts are used up the
// profile expires with auto-renewal disabled and the failure is reported.
func (s *Service) renewalFailed(ctx context.Context, profileID string, rec *PaymentRecord, now time.Time, cause error) (renewResult, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		res      renewResult
		attempts int
		events   []Event
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		res, events = renewFailed, nil

		p, err := s.loadProfile(ctx, tx, profileID)
		if err != nil {
			return err
		}
		p.RenewalAttempts++
		attempts = p.RenewalAttempts

		if attempts >= s.maxAttempts {
			res = renewExhausted
			return s.expireTx(ctx, tx, p, true, &events)
		}

		next := now.Add(s.retryBackoff.NextInterval(attempts))
		p.NextRenewalAt = &next
		p.UpdatedAt = s.now()
		return tx.SaveProfile(ctx, p)
	})
	if err != nil {
		return "", err
	}

	log := s.logger.With(
		logger.ProfileID(profileID),
		logger.PaymentID(rec.ID),
		logger.Provider(rec.Provider),
		logger.RetryCount(attempts),
	)

	if res == renewExhausted {
		failure := RenewalFailure{
			ProfileID: profileID,
			Provider:  rec.Provider,
			Plan:      rec.PlanType,
			Attempts:  attempts,
			LastError: errString(cause),
			ExpiredAt: s.now(),
		}
		events = append(events, Event{
			Name:       EventRenewalExhausted,
			ProfileID:  profileID,
			PaymentID:  rec.ID,
			Provider:   rec.Provider,
			Plan:       rec.PlanType,
			OccurredAt: failure.ExpiredAt,
		})
		log.ErrorContext(ctx, "renewal attempts exhausted, profile expired", logger.Error(cause))
		if s.reporter != nil {
			if err := s.reporter.ReportRenewalExhausted(ctx, failure); err != nil {
				log.WarnContext(ctx, "failed to report exhausted renewal", logger.Error(err))
			}
		}
	} else {
		log.WarnContext(ctx, "renewal attempt failed", logger.Error(cause))
	}

	s.publish(ctx, events...)
	return res, nil
}
