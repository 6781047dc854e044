package monetization_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

func TestCreatePayment(t *testing.T) {
	t.Parallel()

	t.Run("second open record conflicts", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0)
		ctx := context.Background()

		rec, err := e.svc.Create(ctx, "p1", monetization.ProviderPayPal, monetization.PlanMonthly)
		require.NoError(t, err)
		assert.Equal(t, monetization.StatusPending, rec.Status)
		assert.Equal(t, int64(999), rec.Amount)
		assert.Equal(t, "EUR", rec.Currency)
		assert.Empty(t, rec.ProviderOrderID)

		_, err = e.svc.Create(ctx, "p1", monetization.ProviderStripe, monetization.PlanYearly)
		require.ErrorIs(t, err, monetization.ErrConflict)
		assert.Equal(t, "purchase already in progress", err.Error())

		_, err = e.svc.AttachProviderOrderID(ctx, rec.ID, "ORD-1")
		require.NoError(t, err)
		e.captureReturns("ORD-1", monetization.EventAuthorized, nil)
		e.deliver(t, "ORD-1", monetization.EventAuthorized)

		_, err = e.svc.Create(ctx, "p1", monetization.ProviderPayPal, monetization.PlanMonthly)
		require.ErrorIs(t, err, monetization.ErrConflict, "authorized records block too")
	})

	t.Run("records without order id coexist", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0)
		ctx := context.Background()

		a, err := e.svc.Create(ctx, "p1", monetization.ProviderPayPal, monetization.PlanMonthly)
		require.NoError(t, err)
		b, err := e.svc.Create(ctx, "p2", monetization.ProviderPayPal, monetization.PlanMonthly)
		require.NoError(t, err)

		_, err = e.svc.Cancel(ctx, "p1", a.ID)
		require.NoError(t, err)
		c, err := e.svc.Create(ctx, "p1", monetization.ProviderPayPal, monetization.PlanMonthly)
		require.NoError(t, err)

		records, err := e.svc.ListByProfile(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, records, 2)

		_, err = e.svc.AttachProviderOrderID(ctx, c.ID, "ORD-X")
		require.NoError(t, err)
		_, err = e.svc.AttachProviderOrderID(ctx, b.ID, "ORD-X")
		require.ErrorIs(t, err, monetization.ErrDuplicateOrder)

		got, err := e.svc.FindByProviderOrderID(ctx, monetization.ProviderPayPal, "ORD-X")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)

		_, err = e.svc.FindByProviderOrderID(ctx, monetization.ProviderPayPal, "")
		require.ErrorIs(t, err, monetization.ErrNotFound)
	})

	t.Run("rejects free provider and unknown plan", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0)
		ctx := context.Background()

		_, err := e.svc.Create(ctx, "p1", monetization.ProviderFree, monetization.PlanMonthly)
		require.ErrorIs(t, err, monetization.ErrUnknownProvider)

		_, err = e.svc.Create(ctx, "p1", monetization.ProviderPayPal, monetization.PlanType("weekly"))
		require.ErrorIs(t, err, monetization.ErrNotFound)
	})
}

func TestAttachProviderOrderID(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	ctx := context.Background()

	_, err := e.svc.AttachProviderOrderID(ctx, "missing", "ORD-1")
	require.ErrorIs(t, err, monetization.ErrNotFound)

	rec, err := e.svc.Create(ctx, "p1", monetization.ProviderPayPal, monetization.PlanMonthly)
	require.NoError(t, err)

	_, err = e.svc.AttachProviderOrderID(ctx, rec.ID, "")
	require.ErrorIs(t, err, monetization.ErrInvalidState)

	got, err := e.svc.AttachProviderOrderID(ctx, rec.ID, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", got.ProviderOrderID)

	// Same id again is a no-op, a different one is not allowed.
	_, err = e.svc.AttachProviderOrderID(ctx, rec.ID, "ORD-1")
	require.NoError(t, err)
	_, err = e.svc.AttachProviderOrderID(ctx, rec.ID, "ORD-2")
	require.ErrorIs(t, err, monetization.ErrInvalidState)

	e.captureReturns("ORD-1", monetization.EventAuthorized, nil)
	e.deliver(t, "ORD-1", monetization.EventAuthorized)
	other, err := e.svc.Create(ctx, "p2", monetization.ProviderPayPal, monetization.PlanMonthly)
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, "p2", other.ID)
	require.NoError(t, err)
	_, err = e.svc.AttachProviderOrderID(ctx, other.ID, "ORD-3")
	require.ErrorIs(t, err, monetization.ErrInvalidState, "cancelled records take no order id")
}

func TestStartCheckout(t *testing.T) {
	t.Parallel()

	t.Run("creates order and attaches id", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0)

		e.paypal.On("CreateOrder", mock.Anything, mock.MatchedBy(func(r monetization.OrderRequest) bool {
			return r.PaymentID == "pay-001" && r.Plan.Type == monetization.PlanYearly
		})).Return(monetization.Order{ExternalID: "ORD-1", ApproveURL: "https://paypal.test/a"}, nil).Once()

		co, err := e.svc.StartCheckout(context.Background(), "p1", monetization.PlanYearly, monetization.ProviderPayPal)
		require.NoError(t, err)
		assert.Equal(t, "https://paypal.test/a", co.ApproveURL)
		assert.Equal(t, "ORD-1", co.Record.ProviderOrderID)
		assert.Equal(t, monetization.StatusPending, co.Record.Status)
		assert.Equal(t, 1, e.publisher.Count(monetization.EventPaymentCreated))
		e.paypal.AssertExpectations(t)
	})

	t.Run("provider failure cancels the record", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0)
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, mock.Anything).
			Return(monetization.Order{}, monetization.ErrProviderUnavailable).Once()

		_, err := e.svc.StartCheckout(ctx, "p1", monetization.PlanMonthly, monetization.ProviderPayPal)
		require.ErrorIs(t, err, monetization.ErrProviderUnavailable)
		assert.True(t, monetization.IsRetryable(err))

		records, err := e.svc.ListByProfile(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, monetization.StatusCancelled, records[0].Status)

		e.checkout(t, "p1", monetization.PlanMonthly, "ORD-2")
	})

	t.Run("provider timeout cancels the record", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0, monetization.WithConfig(monetization.Config{ProviderTimeout: 20 * time.Millisecond}))
		ctx := context.Background()

		e.paypal.On("CreateOrder", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(monetization.Order{}, context.DeadlineExceeded).Once()

		_, err := e.svc.StartCheckout(ctx, "p1", monetization.PlanMonthly, monetization.ProviderPayPal)
		require.ErrorIs(t, err, monetization.ErrProviderUnavailable)

		records, err := e.svc.ListByProfile(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, monetization.StatusCancelled, records[0].Status)
	})

	t.Run("rejected purchases", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 0)
		ctx := context.Background()

		_, err := e.svc.StartCheckout(ctx, "p1", monetization.PlanFreeTrial, monetization.ProviderPayPal)
		require.ErrorIs(t, err, monetization.ErrInvalidPlan)

		_, err = e.svc.StartCheckout(ctx, "p1", monetization.PlanMonthly, monetization.ProviderSEPA)
		require.ErrorIs(t, err, monetization.ErrUnknownProvider)

		_, err = e.svc.Activate(ctx, "p1", monetization.PlanLifetime, day0)
		require.NoError(t, err)
		_, err = e.svc.StartCheckout(ctx, "p1", monetization.PlanMonthly, monetization.ProviderPayPal)
		require.ErrorIs(t, err, monetization.ErrInvalidState)

		e.paypal.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 0)
	ctx := context.Background()

	rec := e.checkout(t, "p1", monetization.PlanMonthly, "ORD-1")

	_, err := e.svc.Cancel(ctx, "intruder", rec.ID)
	require.ErrorIs(t, err, monetization.ErrNotFound)

	got, err := e.svc.Cancel(ctx, "p1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, monetization.StatusCancelled, got.Status)
	assert.Equal(t, 1, e.publisher.Count(monetization.EventPaymentCancelled))

	_, err = e.svc.Cancel(ctx, "p1", rec.ID)
	require.ErrorIs(t, err, monetization.ErrInvalidState)

	// A late capture for an abandoned order changes nothing.
	assert.Equal(t, monetization.Ignored, e.deliver(t, "ORD-1", monetization.EventCaptured))
	assert.False(t, e.profile(t, "p1").IsPaid)
}
