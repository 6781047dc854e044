package monetization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/promokit/pkg/logger"
)

func newRecordID() string {
	return uuid.NewString()
}

// Checkout is the result of StartCheckout.
type Checkout struct {
	Record     *PaymentRecord
	ApproveURL string
	// ClientSecret lets the client confirm the payment in-page with
	// providers that have no hosted approval step.
	ClientSecret string
}

// StartCheckout opens a paid purchase: it creates a pending record, asks the
// provider for an order outside of any unit of work and attaches the
// provider's order id. When the provider call fails or times out the record
// is cancelled so it does not block the next attempt.
func (s *Service) StartCheckout(ctx context.Context, profileID string, planType PlanType, provider Provider) (Checkout, error) {
	if planType == PlanFreeTrial {
		return Checkout{}, errors.Join(ErrInvalidPlan, errors.New("free trial is granted, not purchased"))
	}
	pp, err := s.providers.Get(provider)
	if err != nil {
		return Checkout{}, err
	}
	plan, err := s.catalog.GetPlan(planType)
	if err != nil {
		return Checkout{}, err
	}

	rec, err := s.Create(ctx, profileID, provider, planType)
	if err != nil {
		return Checkout{}, err
	}

	order, err := s.createOrder(ctx, pp, OrderRequest{PaymentID: rec.ID, ProfileID: profileID, Plan: plan})
	if err != nil {
		s.cancelQuietly(ctx, rec.ID, err)
		return Checkout{}, err
	}

	attached, err := s.AttachProviderOrderID(ctx, rec.ID, order.ExternalID)
	if err != nil {
		s.cancelQuietly(ctx, rec.ID, err)
		return Checkout{}, err
	}
	rec = attached

	s.logger.InfoContext(ctx, "checkout started",
		logger.ProfileID(profileID),
		logger.PaymentID(rec.ID),
		logger.Provider(provider),
		logger.Plan(planType),
	)
	return Checkout{Record: rec, ApproveURL: order.ApproveURL, ClientSecret: order.ClientSecret}, nil
}

func (s *Service) createOrder(ctx context.Context, pp PaymentProvider, req OrderRequest) (Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	order, err := pp.CreateOrder(ctx, req)
	if errors.Is(err, context.DeadlineExceeded) {
		return Order{}, errors.Join(ErrProviderUnavailable, err)
	}
	if err != nil {
		return Order{}, err
	}
	if order.ExternalID == "" {
		return Order{}, errors.Join(ErrProviderUnavailable, errors.New("provider returned an empty order id"))
	}
	return order, nil
}

// Create inserts a pending record for the profile. It fails with
// ErrConflict when the profile already has a pending or authorized record.
func (s *Service) Create(ctx context.Context, profileID string, provider Provider, planType PlanType) (*PaymentRecord, error) {
	if !provider.Valid() || provider == ProviderFree {
		return nil, errors.Join(ErrUnknownProvider, fmt.Errorf("provider %q", provider))
	}
	plan, err := s.catalog.GetPlan(planType)
	if err != nil {
		return nil, err
	}

	var rec *PaymentRecord
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		p, err := s.loadProfile(ctx, tx, profileID)
		if err != nil {
			return err
		}
		if p.Lifetime() {
			return errors.Join(ErrInvalidState, errors.New("profile already holds a lifetime plan"))
		}
		rec, err = s.createTx(ctx, tx, profileID, provider, plan, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, recordEvent(EventPaymentCreated, rec))
	return rec, nil
}

// createTx inserts a pending record. periodStart marks renewal records.
func (s *Service) createTx(ctx context.Context, tx Tx, profileID string, provider Provider, plan PricingPlan, periodStart *time.Time) (*PaymentRecord, error) {
	open, err := tx.HasOpenPayment(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrConflict
	}

	now := s.now()
	rec := &PaymentRecord{
		ID:          s.newID(),
		ProfileID:   profileID,
		Provider:    provider,
		Amount:      plan.Price.Amount,
		Currency:    plan.Price.Currency,
		PlanType:    plan.Type,
		Status:      StatusPending,
		Renewal:     periodStart != nil,
		PeriodStart: periodStart,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertPayment(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AttachProviderOrderID records the provider's order id on a pending
// record. Attaching the id a record already carries is a no-op.
func (s *Service) AttachProviderOrderID(ctx context.Context, recordID, externalID string) (*PaymentRecord, error) {
	if externalID == "" {
		return nil, errors.Join(ErrInvalidState, errors.New("empty provider order id"))
	}

	var rec *PaymentRecord
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		rec, err = tx.GetPayment(ctx, recordID)
		if err != nil {
			return err
		}
		if rec.ProviderOrderID == externalID {
			return nil
		}
		if rec.Status != StatusPending || rec.ProviderOrderID != "" {
			return ErrInvalidState
		}
		rec.ProviderOrderID = externalID
		rec.UpdatedAt = s.now()
		return tx.UpdatePayment(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByProviderOrderID maps a provider order back to its record. An empty
// id never matches.
func (s *Service) FindByProviderOrderID(ctx context.Context, provider Provider, externalID string) (*PaymentRecord, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return s.store.FindPaymentByOrder(ctx, provider, externalID)
}

// Payment returns a record by id.
func (s *Service) Payment(ctx context.Context, id string) (*PaymentRecord, error) {
	return s.store.GetPayment(ctx, id)
}

// ListByProfile returns the profile's records, newest first.
func (s *Service) ListByProfile(ctx context.Context, profileID string) ([]PaymentRecord, error) {
	return s.store.ListPayments(ctx, profileID)
}

func recordEvent(name string, rec *PaymentRecord) Event {
	return Event{
		Name:       name,
		ProfileID:  rec.ProfileID,
		PaymentID:  rec.ID,
		Provider:   rec.Provider,
		Plan:       rec.PlanType,
		Status:     rec.Status,
		OccurredAt: rec.UpdatedAt,
	}
}
