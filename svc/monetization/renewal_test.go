package monetization_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

// subscribed returns an env with p1 on an auto-renewing monthly plan paid
// through day 30.
func subscribed(t *testing.T, opts ...monetization.Option) *env {
	t.Helper()
	e := newEnv(t, 0, opts...)
	e.checkout(t, "p1", monetization.PlanMonthly, "ORD-1")
	e.deliver(t, "ORD-1", monetization.EventCaptured)
	_, err := e.svc.SetAutoRenewal(context.Background(), "p1", true)
	require.NoError(t, err)
	return e
}

func renewalOrder() any {
	return mock.MatchedBy(func(r monetization.OrderRequest) bool {
		return r.Renewal && r.PreviousOrderID == "ORD-1" && r.Plan.Type == monetization.PlanMonthly
	})
}

func TestRenewDue(t *testing.T) {
	t.Parallel()
	day30 := day0.AddDate(0, 0, 30)

	t.Run("successful charge extends from previous expiry", func(t *testing.T) {
		t.Parallel()
		e := subscribed(t)
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{ExternalID: "REN-1"}, nil).Once()
		e.paypal.On("CaptureOrder", mock.Anything, "REN-1").
			Return(monetization.EventCaptured, nil).Once()

		now := e.clock.Advance(30*24*time.Hour + 3*time.Hour)
		report, err := e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Renewed: 1}, report)

		p := e.profile(t, "p1")
		assert.True(t, p.IsPaid)
		assert.Equal(t, day30.AddDate(0, 0, 30), *p.PaidUntil)
		assert.Zero(t, p.RenewalAttempts)

		rec, err := e.svc.FindByProviderOrderID(ctx, monetization.ProviderPayPal, "REN-1")
		require.NoError(t, err)
		assert.True(t, rec.Renewal)
		assert.Equal(t, monetization.StatusCaptured, rec.Status)
		require.NotNil(t, rec.PeriodStart)
		assert.Equal(t, day30, *rec.PeriodStart)

		// Nothing is due any more.
		report, err = e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{}, report)
		e.paypal.AssertExpectations(t)
	})

	t.Run("failures back off and exhaust into expiry", func(t *testing.T) {
		t.Parallel()
		reporter := &mockReporter{}
		reporter.On("ReportRenewalExhausted", mock.Anything, mock.MatchedBy(func(f monetization.RenewalFailure) bool {
			return f.ProfileID == "p1" && f.Attempts == 3 && f.Plan == monetization.PlanMonthly
		})).Return(nil).Once()

		e := subscribed(t, monetization.WithReporter(reporter))
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{}, monetization.ErrProviderUnavailable).Times(3)

		first := e.clock.Advance(30*24*time.Hour + time.Hour)
		report, err := e.svc.RenewDue(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Failed: 1}, report)

		p := e.profile(t, "p1")
		assert.True(t, p.IsPaid, "profile stays paid while retries remain")
		assert.Equal(t, 1, p.RenewalAttempts)
		require.NotNil(t, p.NextRenewalAt)
		assert.Equal(t, first.Add(time.Hour), *p.NextRenewalAt)

		// Not due again before the backoff elapses.
		report, err = e.svc.RenewDue(ctx, first.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{}, report)

		e.clock.Set(first.Add(time.Hour))
		report, err = e.svc.RenewDue(ctx, first.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Failed: 1}, report)

		e.clock.Set(first.Add(2 * time.Hour))
		report, err = e.svc.RenewDue(ctx, first.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Exhausted: 1}, report)

		p = e.profile(t, "p1")
		assert.False(t, p.IsPaid)
		assert.False(t, p.IsActive)
		assert.False(t, p.AutoRenewal)
		assert.Equal(t, 1, e.publisher.Count(monetization.EventRenewalExhausted))

		// Every failed attempt released its record.
		records, err := e.svc.ListByProfile(ctx, "p1")
		require.NoError(t, err)
		for _, r := range records {
			assert.False(t, r.Status.Open(), r.ID)
		}

		reporter.AssertExpectations(t)
		e.paypal.AssertExpectations(t)
	})

	t.Run("declined capture counts as a failed attempt", func(t *testing.T) {
		t.Parallel()
		e := subscribed(t)
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{ExternalID: "REN-1"}, nil).Once()
		e.paypal.On("CaptureOrder", mock.Anything, "REN-1").
			Return(monetization.EventFailed, nil).Once()

		now := e.clock.Advance(31 * 24 * time.Hour)
		report, err := e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Failed: 1}, report)

		rec, err := e.svc.FindByProviderOrderID(ctx, monetization.ProviderPayPal, "REN-1")
		require.NoError(t, err)
		assert.Equal(t, monetization.StatusFailed, rec.Status)
		assert.Equal(t, 1, e.profile(t, "p1").RenewalAttempts)
	})

	t.Run("capture error cancels the renewal record", func(t *testing.T) {
		t.Parallel()
		e := subscribed(t)
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{ExternalID: "REN-1"}, nil).Once()
		e.paypal.On("CaptureOrder", mock.Anything, "REN-1").
			Return(monetization.EventType(""), errors.Join(monetization.ErrProviderUnavailable, errors.New("502"))).Once()

		now := e.clock.Advance(31 * 24 * time.Hour)
		report, err := e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Failed: 1}, report)

		rec, err := e.svc.FindByProviderOrderID(ctx, monetization.ProviderPayPal, "REN-1")
		require.NoError(t, err)
		assert.Equal(t, monetization.StatusCancelled, rec.Status)
	})

	t.Run("asynchronous settlement is awaited", func(t *testing.T) {
		t.Parallel()
		e := subscribed(t)
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{ExternalID: "REN-1"}, nil).Once()
		e.paypal.On("CaptureOrder", mock.Anything, "REN-1").
			Return(monetization.EventPending, nil).Once()

		now := e.clock.Advance(31 * 24 * time.Hour)
		report, err := e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Pending: 1}, report)

		// The next run does not charge again while the record is open.
		report, err = e.svc.RenewDue(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Pending: 1}, report)
		e.paypal.AssertNumberOfCalls(t, "CreateOrder", 2)

		assert.Equal(t, monetization.Ack, e.deliver(t, "REN-1", monetization.EventCaptured))
		assert.Equal(t, day30.AddDate(0, 0, 30), *e.profile(t, "p1").PaidUntil)
	})

	t.Run("unsettled charges fail after the settle window", func(t *testing.T) {
		t.Parallel()
		e := subscribed(t, monetization.WithConfig(monetization.Config{
			RenewalSettleAfter: 24 * time.Hour,
			MaxRenewalAttempts: 2,
		}))
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{ExternalID: "REN-1"}, nil).Once()
		e.paypal.On("CaptureOrder", mock.Anything, "REN-1").
			Return(monetization.EventPending, nil).Once()

		now := e.clock.Advance(31 * 24 * time.Hour)
		report, err := e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Pending: 1}, report)

		now = e.clock.Advance(25 * time.Hour)
		report, err = e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Failed: 1}, report)

		rec, err := e.svc.FindByProviderOrderID(ctx, monetization.ProviderPayPal, "REN-1")
		require.NoError(t, err)
		assert.Equal(t, monetization.StatusCancelled, rec.Status)
		p := e.profile(t, "p1")
		assert.Equal(t, 1, p.RenewalAttempts)
		assert.True(t, p.IsPaid, "one attempt left")

		// The retry also never settles and uses up the last attempt.
		e.paypal.On("CreateOrder", mock.Anything, renewalOrder()).
			Return(monetization.Order{ExternalID: "REN-2"}, nil).Once()
		e.paypal.On("CaptureOrder", mock.Anything, "REN-2").
			Return(monetization.EventPending, nil).Once()

		now = e.clock.Advance(time.Hour)
		report, err = e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Pending: 1}, report)

		now = e.clock.Advance(25 * time.Hour)
		report, err = e.svc.RenewDue(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Exhausted: 1}, report)

		p = e.profile(t, "p1")
		assert.False(t, p.IsPaid)
		assert.False(t, p.IsActive)
		assert.False(t, p.AutoRenewal)
		e.paypal.AssertExpectations(t)
	})

	t.Run("free trial cannot renew and expires", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 1)
		ctx := context.Background()

		res, err := e.svc.TryGrantFreeSlot(ctx, "p1")
		require.NoError(t, err)
		require.True(t, res.Granted)
		_, err = e.svc.SetAutoRenewal(ctx, "p1", true)
		require.NoError(t, err)

		report, err := e.svc.RenewDue(ctx, day0.AddDate(0, 0, 8))
		require.NoError(t, err)
		assert.Equal(t, monetization.RenewReport{Expired: 1}, report)

		p := e.profile(t, "p1")
		assert.False(t, p.IsPaid)
		assert.False(t, p.AutoRenewal)
		e.paypal.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})
}
