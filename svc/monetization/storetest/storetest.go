// Package storetest is the behavioural contract every monetization.Store
// backend must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

// Factory returns an empty store whose quota has freeSlots remaining out of
// freeSlots. Subtests run sequentially, so factories may share a database
// and clean it on each call.
type Factory func(t *testing.T, freeSlots int) monetization.Store

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	t.Run("free slots", func(t *testing.T) { testFreeSlots(t, newStore(t, 2)) })
	t.Run("free grants", func(t *testing.T) { testFreeGrants(t, newStore(t, 0)) })
	t.Run("payment uniqueness", func(t *testing.T) { testPaymentUniqueness(t, newStore(t, 0)) })
	t.Run("payment queries", func(t *testing.T) { testPaymentQueries(t, newStore(t, 0)) })
	t.Run("profiles", func(t *testing.T) { testProfiles(t, newStore(t, 0)) })
	t.Run("atomic rollback", func(t *testing.T) { testAtomicRollback(t, newStore(t, 1)) })
	t.Run("concurrent grants", func(t *testing.T) { testConcurrentGrants(t, newStore(t, 3)) })
}

func record(id, profile string, status monetization.Status, orderID string, created time.Time) *monetization.PaymentRecord {
	return &monetization.PaymentRecord{
		ID:              id,
		ProfileID:       profile,
		Provider:        monetization.ProviderPayPal,
		ProviderOrderID: orderID,
		Amount:          999,
		Currency:        "EUR",
		PlanType:        monetization.PlanMonthly,
		Status:          status,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func testFreeSlots(t *testing.T, s monetization.Store) {
	ctx := context.Background()

	c, err := s.FreeSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, monetization.FreeSlotCounter{Remaining: 2, Total: 2}, c)

	for range 2 {
		ok, err := s.TakeFreeSlot(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.TakeFreeSlot(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "the counter never goes negative")

	require.NoError(t, s.ReturnFreeSlot(ctx))
	require.NoError(t, s.ReturnFreeSlot(ctx))
	require.NoError(t, s.ReturnFreeSlot(ctx))
	c, err = s.FreeSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Remaining, "returns are capped at the total")

	require.NoError(t, s.ResetFreeSlots(ctx, 7))
	c, err = s.FreeSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, monetization.FreeSlotCounter{Remaining: 7, Total: 7}, c)
}

func testFreeGrants(t *testing.T, s monetization.Store) {
	ctx := context.Background()

	ok, err := s.HasFreeGrant(ctx, "fg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	g := monetization.FreeGrant{ProfileID: "fg-1", PaymentID: "pay-1", GrantedAt: t0}
	require.NoError(t, s.InsertFreeGrant(ctx, g))
	require.ErrorIs(t, s.InsertFreeGrant(ctx, g), monetization.ErrAlreadyGranted)

	ok, err = s.HasFreeGrant(ctx, "fg-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteFreeGrant(ctx, "fg-1"))
	require.NoError(t, s.DeleteFreeGrant(ctx, "fg-1"))
	ok, err = s.HasFreeGrant(ctx, "fg-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPaymentUniqueness(t *testing.T, s monetization.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertPayment(ctx, record("pu-1", "pu-a", monetization.StatusPending, "", t0)))
	require.ErrorIs(t,
		s.InsertPayment(ctx, record("pu-2", "pu-a", monetization.StatusPending, "", t0)),
		monetization.ErrConflict, "one open record per profile")

	// Records without an order id never collide on the order index.
	require.NoError(t, s.InsertPayment(ctx, record("pu-3", "pu-b", monetization.StatusPending, "", t0)))

	rec, err := s.GetPayment(ctx, "pu-1")
	require.NoError(t, err)
	rec.ProviderOrderID = "ORD-U"
	require.NoError(t, s.UpdatePayment(ctx, rec))

	other, err := s.GetPayment(ctx, "pu-3")
	require.NoError(t, err)
	other.ProviderOrderID = "ORD-U"
	require.ErrorIs(t, s.UpdatePayment(ctx, other), monetization.ErrDuplicateOrder)

	// The same order id under another provider is a different order.
	stripe := record("pu-4", "pu-c", monetization.StatusPending, "ORD-U", t0)
	stripe.Provider = monetization.ProviderStripe
	require.NoError(t, s.InsertPayment(ctx, stripe))

	// Closing the open record frees the profile.
	rec.Status = monetization.StatusCancelled
	require.NoError(t, s.UpdatePayment(ctx, rec))
	require.NoError(t, s.InsertPayment(ctx, record("pu-5", "pu-a", monetization.StatusPending, "", t0)))

	require.ErrorIs(t, s.UpdatePayment(ctx, record("pu-missing", "pu-a", monetization.StatusFailed, "", t0)),
		monetization.ErrNotFound)
}

func testPaymentQueries(t *testing.T, s monetization.Store) {
	ctx := context.Background()

	_, err := s.GetPayment(ctx, "missing")
	require.ErrorIs(t, err, monetization.ErrNotFound)
	_, err = s.FindPaymentByOrder(ctx, monetization.ProviderPayPal, "")
	require.ErrorIs(t, err, monetization.ErrNotFound)

	first := record("pq-1", "pq-a", monetization.StatusCaptured, "ORD-1", t0)
	captured := t0.Add(time.Hour)
	first.CapturedAt = &captured
	require.NoError(t, s.InsertPayment(ctx, first))

	second := record("pq-2", "pq-a", monetization.StatusCaptured, "ORD-2", t0.Add(2*time.Hour))
	later := t0.Add(3 * time.Hour)
	second.CapturedAt = &later
	second.Renewal = true
	second.PeriodStart = &captured
	require.NoError(t, s.InsertPayment(ctx, second))

	require.NoError(t, s.InsertPayment(ctx, record("pq-3", "pq-a", monetization.StatusPending, "", t0.Add(4*time.Hour))))

	got, err := s.FindPaymentByOrder(ctx, monetization.ProviderPayPal, "ORD-2")
	require.NoError(t, err)
	assert.Equal(t, "pq-2", got.ID)
	assert.True(t, got.Renewal)
	require.NotNil(t, got.PeriodStart)
	assert.WithinDuration(t, captured, *got.PeriodStart, time.Millisecond)
	_, err = s.FindPaymentByOrder(ctx, monetization.ProviderStripe, "ORD-2")
	require.ErrorIs(t, err, monetization.ErrNotFound)

	latest, err := s.LatestCaptured(ctx, "pq-a")
	require.NoError(t, err)
	assert.Equal(t, "pq-2", latest.ID)
	_, err = s.LatestCaptured(ctx, "pq-none")
	require.ErrorIs(t, err, monetization.ErrNotFound)

	open, err := s.HasOpenPayment(ctx, "pq-a")
	require.NoError(t, err)
	assert.True(t, open)

	list, err := s.ListPayments(ctx, "pq-a")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"pq-3", "pq-2", "pq-1"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Empty(t, list[0].ProviderOrderID)
	assert.Nil(t, list[0].CapturedAt)

	require.NoError(t, s.InsertPayment(ctx, record("pq-4", "pq-b", monetization.StatusPending, "", t0.Add(time.Hour))))
	require.NoError(t, s.InsertPayment(ctx, record("pq-5", "pq-c", monetization.StatusPending, "ORD-5", t0)))

	stale, err := s.StalePending(ctx, t0.Add(5*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2, "records with an order id are not stale")
	assert.Equal(t, "pq-4", stale[0].ID)
	assert.Equal(t, "pq-3", stale[1].ID)

	stale, err = s.StalePending(ctx, t0.Add(5*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func testProfiles(t *testing.T, s monetization.Store) {
	ctx := context.Background()

	_, err := s.GetProfile(ctx, "pr-missing")
	require.ErrorIs(t, err, monetization.ErrNotFound)

	monthly := monetization.PlanMonthly
	save := func(id string, until *time.Time, auto bool, next *time.Time) {
		t.Helper()
		plan := monthly
		require.NoError(t, s.SaveProfile(ctx, &monetization.Profile{
			ID: id, IsPaid: true, IsActive: true, PaidUntil: until, PlanType: &plan,
			AutoRenewal: auto, NextRenewalAt: next, UpdatedAt: t0,
		}))
	}
	at := func(d time.Duration) *time.Time { v := t0.Add(d); return &v }

	save("pr-a", at(-2*time.Hour), false, nil)
	save("pr-b", at(-3*time.Hour), false, nil)
	save("pr-c", at(time.Hour), false, nil)
	save("pr-d", nil, false, nil)
	save("pr-e", at(-time.Hour), true, nil)
	save("pr-f", at(-time.Hour), true, at(time.Hour))

	p, err := s.GetProfile(ctx, "pr-a")
	require.NoError(t, err)
	assert.True(t, p.IsPaid)
	require.NotNil(t, p.PlanType)
	assert.Equal(t, monetization.PlanMonthly, *p.PlanType)
	require.NotNil(t, p.PaidUntil)
	assert.WithinDuration(t, t0.Add(-2*time.Hour), *p.PaidUntil, time.Millisecond)

	ids, err := s.DueProfiles(ctx, t0, false, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-b", "pr-a"}, ids)

	ids, err = s.DueProfiles(ctx, t0, false, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-b"}, ids)

	ids, err = s.DueProfiles(ctx, t0, true, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pr-e"}, ids, "backed-off renewals wait")

	// Saving again overwrites, including clearing optional fields.
	require.NoError(t, s.SaveProfile(ctx, &monetization.Profile{ID: "pr-a", PaidUntil: at(0), UpdatedAt: t0}))
	p, err = s.GetProfile(ctx, "pr-a")
	require.NoError(t, err)
	assert.False(t, p.IsPaid)
	assert.Nil(t, p.PlanType)
	assert.Nil(t, p.NextRenewalAt)
}

func testAtomicRollback(t *testing.T, s monetization.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(ctx context.Context, tx monetization.Tx) error {
		ok, err := tx.TakeFreeSlot(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.InsertFreeGrant(ctx, monetization.FreeGrant{ProfileID: "ar-1", PaymentID: "x", GrantedAt: t0}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := s.FreeSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Remaining)
	ok, err := s.HasFreeGrant(ctx, "ar-1")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Atomic(ctx, func(ctx context.Context, tx monetization.Tx) error {
		_, err := tx.TakeFreeSlot(ctx)
		return err
	})
	require.NoError(t, err)
	c, err = s.FreeSlots(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Remaining)
}

// testConcurrentGrants races more claimants than slots through the same
// unit of work the allocator uses. Exactly the available slots are granted
// and every other claimant sees an empty quota rather than an error.
func testConcurrentGrants(t *testing.T, s monetization.Store) {
	ctx := context.Background()
	const claimants = 16

	var granted, denied atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := range claimants {
		profileID := fmt.Sprintf("cg-%d", i)
		g.Go(func() error {
			var ok bool
			err := s.Atomic(gctx, func(ctx context.Context, tx monetization.Tx) error {
				taken, err := tx.TakeFreeSlot(ctx)
				if err != nil || !taken {
					ok = false
					return err
				}
				ok = true
				return tx.InsertFreeGrant(ctx, monetization.FreeGrant{
					ProfileID: profileID,
					PaymentID: "pay-" + profileID,
					GrantedAt: t0,
				})
			})
			if err != nil {
				return err
			}
			if ok {
				granted.Add(1)
			} else {
				denied.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 3, granted.Load())
	assert.EqualValues(t, claimants-3, denied.Load())

	c, err := s.FreeSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, monetization.FreeSlotCounter{Remaining: 0, Total: 3}, c)

	markers := 0
	for i := range claimants {
		has, err := s.HasFreeGrant(ctx, fmt.Sprintf("cg-%d", i))
		require.NoError(t, err)
		if has {
			markers++
		}
	}
	assert.Equal(t, 3, markers)
}
