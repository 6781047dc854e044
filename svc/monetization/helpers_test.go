package monetization_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/pkg/backoff"
	"github.com/dmitrymomot/promokit/svc/monetization"
	"github.com/dmitrymomot/promokit/svc/monetization/memstore"
)

var day0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type mockProvider struct {
	mock.Mock
	name monetization.Provider
}

func (m *mockProvider) Name() monetization.Provider { return m.name }

func (m *mockProvider) CreateOrder(ctx context.Context, req monetization.OrderRequest) (monetization.Order, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(monetization.Order), args.Error(1)
}

func (m *mockProvider) CaptureOrder(ctx context.Context, externalID string) (monetization.EventType, error) {
	args := m.Called(ctx, externalID)
	return args.Get(0).(monetization.EventType), args.Error(1)
}

func (m *mockProvider) VerifyEvent(ctx context.Context, r *http.Request) (*monetization.ProviderEvent, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*monetization.ProviderEvent), args.Error(1)
}

type mockReporter struct {
	mock.Mock
}

func (m *mockReporter) ReportRenewalExhausted(ctx context.Context, f monetization.RenewalFailure) error {
	return m.Called(ctx, f).Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []monetization.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...monetization.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type env struct {
	svc       *monetization.Service
	store     *memstore.Store
	clock     *clock
	paypal    *mockProvider
	publisher *recordingPublisher
}

func newEnv(t *testing.T, freeSlots int, opts ...monetization.Option) *env {
	t.Helper()
	store := memstore.New(freeSlots)
	return newEnvWithStore(t, store, store, opts...)
}

// newEnvWithStore builds the service on backend; mem is the memstore behind
// it, used by tests to seed state directly.
func newEnvWithStore(t *testing.T, backend monetization.Store, mem *memstore.Store, opts ...monetization.Option) *env {
	t.Helper()

	catalog, err := monetization.NewCatalog(monetization.DefaultPlans()...)
	require.NoError(t, err)

	var seq atomic.Int64
	e := &env{
		store:     mem,
		clock:     &clock{now: day0},
		paypal:    &mockProvider{name: monetization.ProviderPayPal},
		publisher: &recordingPublisher{},
	}
	base := []monetization.Option{
		monetization.WithProviders(e.paypal),
		monetization.WithPublisher(e.publisher),
		monetization.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		monetization.WithClock(e.clock.Now),
		monetization.WithIDGenerator(func() string { return fmt.Sprintf("pay-%03d", seq.Add(1)) }),
		monetization.WithRenewalBackoff(backoff.Fixed{Interval: time.Hour}),
	}
	e.svc = monetization.New(backend, catalog, append(base, opts...)...)
	return e
}

// checkout starts a paypal checkout that the mock answers with externalID.
func (e *env) checkout(t *testing.T, profileID string, plan monetization.PlanType, externalID string) *monetization.PaymentRecord {
	t.Helper()
	e.paypal.On("CreateOrder", mock.Anything, mock.MatchedBy(func(r monetization.OrderRequest) bool {
		return r.ProfileID == profileID && !r.Renewal
	})).Return(monetization.Order{ExternalID: externalID, ApproveURL: "https://paypal.test/approve/" + externalID}, nil).Once()

	co, err := e.svc.StartCheckout(context.Background(), profileID, plan, monetization.ProviderPayPal)
	require.NoError(t, err)
	return co.Record
}

// captureReturns makes the next CaptureOrder for externalID report typ.
func (e *env) captureReturns(externalID string, typ monetization.EventType, err error) {
	e.paypal.On("CaptureOrder", mock.Anything, externalID).Return(typ, err).Once()
}

func (e *env) deliver(t *testing.T, externalID string, typ monetization.EventType) monetization.Outcome {
	t.Helper()
	out, err := e.svc.HandleProviderEvent(context.Background(), monetization.ProviderEvent{
		Provider:   monetization.ProviderPayPal,
		ExternalID: externalID,
		Type:       typ,
	})
	require.NoError(t, err)
	return out
}

func (e *env) profile(t *testing.T, id string) *monetization.Profile {
	t.Helper()
	p, err := e.svc.Profile(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *env) payment(t *testing.T, id string) *monetization.PaymentRecord {
	t.Helper()
	rec, err := e.svc.Payment(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func timePtr(t time.Time) *time.Time { return &t }

// failingStore wraps a memstore and fails profile writes on demand.
type failingStore struct {
	*memstore.Store
	failSaveProfile atomic.Bool
}

func (s *failingStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx monetization.Tx) error) error {
	return s.Store.Atomic(ctx, func(ctx context.Context, tx monetization.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, store: s})
	})
}

type failingTx struct {
	monetization.Tx
	store *failingStore
}

func (t *failingTx) SaveProfile(ctx context.Context, p *monetization.Profile) error {
	if t.store.failSaveProfile.Load() {
		return errProfileWrite
	}
	return t.Tx.SaveProfile(ctx, p)
}

var errProfileWrite = fmt.Errorf("profile write failed")
