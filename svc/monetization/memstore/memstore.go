// Package memstore is an in-process monetization.Store. Units of work run
// under a single mutex against a copy of the state that replaces the live
// state only when the unit succeeds. It suits tests and single-replica
// deployments; state is lost on restart.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

type orderKey struct {
	provider monetization.Provider
	id       string
}

type state struct {
	slots    monetization.FreeSlotCounter
	grants   map[string]monetization.FreeGrant
	payments map[string]monetization.PaymentRecord
	orders   map[orderKey]string
	profiles map[string]monetization.Profile
}

func (st *state) clone() *state {
	return &state{
		slots:    st.slots,
		grants:   maps.Clone(st.grants),
		payments: maps.Clone(st.payments),
		orders:   maps.Clone(st.orders),
		profiles: maps.Clone(st.profiles),
	}
}

// Store implements monetization.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

var _ monetization.Store = (*Store)(nil)

// New returns an empty store with freeSlots remaining out of freeSlots.
func New(freeSlots int) *Store {
	return &Store{st: &state{
		slots:    monetization.FreeSlotCounter{Remaining: freeSlots, Total: freeSlots},
		grants:   map[string]monetization.FreeGrant{},
		payments: map[string]monetization.PaymentRecord{},
		orders:   map[orderKey]string{},
		profiles: map[string]monetization.Profile{},
	}}
}

// Atomic runs fn against a private copy of the state and publishes the copy
// if fn returns nil.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx monetization.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func locked[T any](s *Store, fn func(*tx) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{st: s.st})
}

func (s *Store) FreeSlots(ctx context.Context) (monetization.FreeSlotCounter, error) {
	return locked(s, func(t *tx) (monetization.FreeSlotCounter, error) { return t.FreeSlots(ctx) })
}

func (s *Store) TakeFreeSlot(ctx context.Context) (bool, error) {
	return locked(s, func(t *tx) (bool, error) { return t.TakeFreeSlot(ctx) })
}

func (s *Store) ReturnFreeSlot(ctx context.Context) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.ReturnFreeSlot(ctx) })
	return err
}

func (s *Store) ResetFreeSlots(ctx context.Context, total int) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.ResetFreeSlots(ctx, total) })
	return err
}

func (s *Store) HasFreeGrant(ctx context.Context, profileID string) (bool, error) {
	return locked(s, func(t *tx) (bool, error) { return t.HasFreeGrant(ctx, profileID) })
}

func (s *Store) InsertFreeGrant(ctx context.Context, g monetization.FreeGrant) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.InsertFreeGrant(ctx, g) })
	return err
}

func (s *Store) DeleteFreeGrant(ctx context.Context, profileID string) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.DeleteFreeGrant(ctx, profileID) })
	return err
}

func (s *Store) InsertPayment(ctx context.Context, rec *monetization.PaymentRecord) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.InsertPayment(ctx, rec) })
	return err
}

func (s *Store) UpdatePayment(ctx context.Context, rec *monetization.PaymentRecord) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.UpdatePayment(ctx, rec) })
	return err
}

func (s *Store) GetPayment(ctx context.Context, id string) (*monetization.PaymentRecord, error) {
	return locked(s, func(t *tx) (*monetization.PaymentRecord, error) { return t.GetPayment(ctx, id) })
}

func (s *Store) FindPaymentByOrder(ctx context.Context, provider monetization.Provider, externalID string) (*monetization.PaymentRecord, error) {
	return locked(s, func(t *tx) (*monetization.PaymentRecord, error) {
		return t.FindPaymentByOrder(ctx, provider, externalID)
	})
}

func (s *Store) HasOpenPayment(ctx context.Context, profileID string) (bool, error) {
	return locked(s, func(t *tx) (bool, error) { return t.HasOpenPayment(ctx, profileID) })
}

func (s *Store) LatestCaptured(ctx context.Context, profileID string) (*monetization.PaymentRecord, error) {
	return locked(s, func(t *tx) (*monetization.PaymentRecord, error) { return t.LatestCaptured(ctx, profileID) })
}

func (s *Store) ListPayments(ctx context.Context, profileID string) ([]monetization.PaymentRecord, error) {
	return locked(s, func(t *tx) ([]monetization.PaymentRecord, error) { return t.ListPayments(ctx, profileID) })
}

func (s *Store) StalePending(ctx context.Context, before time.Time, limit int) ([]monetization.PaymentRecord, error) {
	return locked(s, func(t *tx) ([]monetization.PaymentRecord, error) { return t.StalePending(ctx, before, limit) })
}

func (s *Store) GetProfile(ctx context.Context, profileID string) (*monetization.Profile, error) {
	return locked(s, func(t *tx) (*monetization.Profile, error) { return t.GetProfile(ctx, profileID) })
}

func (s *Store) SaveProfile(ctx context.Context, p *monetization.Profile) error {
	_, err := locked(s, func(t *tx) (struct{}, error) { return struct{}{}, t.SaveProfile(ctx, p) })
	return err
}

func (s *Store) DueProfiles(ctx context.Context, now time.Time, autoRenewal bool, limit int) ([]string, error) {
	return locked(s, func(t *tx) ([]string, error) { return t.DueProfiles(ctx, now, autoRenewal, limit) })
}

// tx operates on one state snapshot. The caller holds the store mutex.
type tx struct {
	st *state
}

func (t *tx) FreeSlots(context.Context) (monetization.FreeSlotCounter, error) {
	return t.st.slots, nil
}

func (t *tx) TakeFreeSlot(context.Context) (bool, error) {
	if t.st.slots.Remaining <= 0 {
		return false, nil
	}
	t.st.slots.Remaining--
	return true, nil
}

func (t *tx) ReturnFreeSlot(context.Context) error {
	if t.st.slots.Remaining < t.st.slots.Total {
		t.st.slots.Remaining++
	}
	return nil
}

func (t *tx) ResetFreeSlots(_ context.Context, total int) error {
	t.st.slots = monetization.FreeSlotCounter{Remaining: total, Total: total}
	return nil
}

func (t *tx) HasFreeGrant(_ context.Context, profileID string) (bool, error) {
	_, ok := t.st.grants[profileID]
	return ok, nil
}

func (t *tx) InsertFreeGrant(_ context.Context, g monetization.FreeGrant) error {
	if _, ok := t.st.grants[g.ProfileID]; ok {
		return monetization.ErrAlreadyGranted
	}
	t.st.grants[g.ProfileID] = g
	return nil
}

func (t *tx) DeleteFreeGrant(_ context.Context, profileID string) error {
	delete(t.st.grants, profileID)
	return nil
}

func (t *tx) InsertPayment(_ context.Context, rec *monetization.PaymentRecord) error {
	if _, ok := t.st.payments[rec.ID]; ok {
		return fmt.Errorf("memstore: payment %s already exists", rec.ID)
	}
	if err := t.checkUnique(rec); err != nil {
		return err
	}
	t.put(rec)
	return nil
}

func (t *tx) UpdatePayment(_ context.Context, rec *monetization.PaymentRecord) error {
	old, ok := t.st.payments[rec.ID]
	if !ok {
		return monetization.ErrNotFound
	}
	if err := t.checkUnique(rec); err != nil {
		return err
	}
	if old.ProviderOrderID != "" {
		delete(t.st.orders, orderKey{old.Provider, old.ProviderOrderID})
	}
	t.put(rec)
	return nil
}

// checkUnique enforces the two partial unique indexes: (provider, order id)
// where the order id is set, and profile where the status is open.
func (t *tx) checkUnique(rec *monetization.PaymentRecord) error {
	if rec.ProviderOrderID != "" {
		if id, ok := t.st.orders[orderKey{rec.Provider, rec.ProviderOrderID}]; ok && id != rec.ID {
			return monetization.ErrDuplicateOrder
		}
	}
	if rec.Status.Open() {
		for id, other := range t.st.payments {
			if id != rec.ID && other.ProfileID == rec.ProfileID && other.Status.Open() {
				return monetization.ErrConflict
			}
		}
	}
	return nil
}

func (t *tx) put(rec *monetization.PaymentRecord) {
	t.st.payments[rec.ID] = *rec
	if rec.ProviderOrderID != "" {
		t.st.orders[orderKey{rec.Provider, rec.ProviderOrderID}] = rec.ID
	}
}

func (t *tx) GetPayment(_ context.Context, id string) (*monetization.PaymentRecord, error) {
	rec, ok := t.st.payments[id]
	if !ok {
		return nil, monetization.ErrNotFound
	}
	return &rec, nil
}

func (t *tx) FindPaymentByOrder(ctx context.Context, provider monetization.Provider, externalID string) (*monetization.PaymentRecord, error) {
	if externalID == "" {
		return nil, monetization.ErrNotFound
	}
	id, ok := t.st.orders[orderKey{provider, externalID}]
	if !ok {
		return nil, monetization.ErrNotFound
	}
	return t.GetPayment(ctx, id)
}

func (t *tx) HasOpenPayment(_ context.Context, profileID string) (bool, error) {
	for _, rec := range t.st.payments {
		if rec.ProfileID == profileID && rec.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) LatestCaptured(_ context.Context, profileID string) (*monetization.PaymentRecord, error) {
	var latest *monetization.PaymentRecord
	for _, rec := range t.st.payments {
		if rec.ProfileID != profileID || rec.Status != monetization.StatusCaptured {
			continue
		}
		if latest == nil || capturedAfter(rec, *latest) {
			r := rec
			latest = &r
		}
	}
	if latest == nil {
		return nil, monetization.ErrNotFound
	}
	return latest, nil
}

func capturedAfter(a, b monetization.PaymentRecord) bool {
	at, bt := capturedAt(a), capturedAt(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func capturedAt(r monetization.PaymentRecord) time.Time {
	if r.CapturedAt != nil {
		return *r.CapturedAt
	}
	return r.CreatedAt
}

func (t *tx) ListPayments(_ context.Context, profileID string) ([]monetization.PaymentRecord, error) {
	var out []monetization.PaymentRecord
	for _, rec := range t.st.payments {
		if rec.ProfileID == profileID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b monetization.PaymentRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (t *tx) StalePending(_ context.Context, before time.Time, limit int) ([]monetization.PaymentRecord, error) {
	var out []monetization.PaymentRecord
	for _, rec := range t.st.payments {
		if rec.Status == monetization.StatusPending && rec.ProviderOrderID == "" && rec.CreatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b monetization.PaymentRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) GetProfile(_ context.Context, profileID string) (*monetization.Profile, error) {
	p, ok := t.st.profiles[profileID]
	if !ok {
		return nil, monetization.ErrNotFound
	}
	return &p, nil
}

func (t *tx) SaveProfile(_ context.Context, p *monetization.Profile) error {
	t.st.profiles[p.ID] = *p
	return nil
}

func (t *tx) DueProfiles(_ context.Context, now time.Time, autoRenewal bool, limit int) ([]string, error) {
	var due []monetization.Profile
	for _, p := range t.st.profiles {
		if !p.IsPaid || p.PaidUntil == nil || !p.PaidUntil.Before(now) || p.AutoRenewal != autoRenewal {
			continue
		}
		if autoRenewal && p.NextRenewalAt != nil && p.NextRenewalAt.After(now) {
			continue
		}
		due = append(due, p)
	}
	slices.SortFunc(due, func(a, b monetization.Profile) int {
		if c := a.PaidUntil.Compare(*b.PaidUntil); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]string, len(due))
	for i, p := range due {
		ids[i] = p.ID
	}
	return ids, nil
}
