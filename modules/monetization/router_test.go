package monetization_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/handler"
	"github.com/dmitrymomot/promokit/modules/monetization"
	"github.com/dmitrymomot/promokit/pkg/httpserver"
	"github.com/dmitrymomot/promokit/pkg/jwtauth"
	"github.com/dmitrymomot/promokit/pkg/ratelimiter"
	core "github.com/dmitrymomot/promokit/svc/monetization"
	"github.com/dmitrymomot/promokit/svc/monetization/memstore"
)

// fakeProvider issues sequential order ids and accepts webhook bodies of
// the form {"order":"...","type":"..."} signed with X-Signature: valid.
type fakeProvider struct {
	mu      sync.Mutex
	seq     int
	failing error
}

func (p *fakeProvider) Name() core.Provider { return core.ProviderPayPal }

func (p *fakeProvider) CreateOrder(_ context.Context, req core.OrderRequest) (core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing != nil {
		return core.Order{}, p.failing
	}
	p.seq++
	id := fmt.Sprintf("ORDER-%d", p.seq)
	return core.Order{ExternalID: id, ApproveURL: "https://paypal.test/approve/" + id}, nil
}

func (p *fakeProvider) CaptureOrder(context.Context, string) (core.EventType, error) {
	return core.EventCaptured, nil
}

func (p *fakeProvider) VerifyEvent(_ context.Context, r *http.Request) (*core.ProviderEvent, error) {
	if r.Header.Get("X-Signature") != "valid" {
		return nil, core.ErrInvalidSignature
	}
	var body struct {
		Order string `json:"order"`
		Type  string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Type == "" {
		return nil, nil
	}
	return &core.ProviderEvent{ExternalID: body.Order, Type: core.EventType(body.Type)}, nil
}

type testEnv struct {
	router   http.Handler
	verifier *jwtauth.Verifier
	provider *fakeProvider
	svc      *core.Service
}

func newTestEnv(t *testing.T, freeSlots int) *testEnv {
	t.Helper()
	return newLimitedTestEnv(t, freeSlots, nil)
}

func newLimitedTestEnv(t *testing.T, freeSlots int, limiter *ratelimiter.Bucket) *testEnv {
	t.Helper()

	catalog, err := core.NewCatalog(core.DefaultPlans()...)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := &fakeProvider{}
	svc := core.New(memstore.New(freeSlots), catalog,
		core.WithProviders(provider),
		core.WithLogger(log),
	)

	verifier, err := jwtauth.New(jwtauth.Config{Secret: "test-secret", Leeway: time.Second})
	require.NoError(t, err)

	router := monetization.Router(monetization.RouterOptions{
		Service:  svc,
		Verifier: verifier,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
		Checks: []httpserver.Check{
			{Name: "store", Fn: func(context.Context) error { return nil }},
		},
		RateLimiter: limiter,
	})
	return &testEnv{router: router, verifier: verifier, provider: provider, svc: svc}
}

type envelope struct {
	Data  json.RawMessage      `json:"data"`
	Meta  map[string]any       `json:"meta"`
	Error *handler.ErrorDetail `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, profileID, body string) (int, envelope) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if profileID != "" {
		token, err := e.verifier.Issue(profileID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func (e *testEnv) webhook(t *testing.T, provider, signature, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(body))
	req.Header.Set("X-Signature", signature)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestPricing(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	code, env := e.do(t, http.MethodGet, "/pricing", "", "")
	require.Equal(t, http.StatusOK, code)

	summary := decode[core.PricingSummary](t, env.Data)
	assert.Len(t, summary.Plans, 4)
	assert.True(t, summary.FreePromotionAvailable)
	assert.Equal(t, 3, summary.RemainingFreeSpots)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	code, env := e.do(t, http.MethodGet, "/subscription", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "authentication required", env.Error.Message)

	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckout(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	code, env := e.do(t, http.MethodPost, "/checkout", "profile-1", `{"plan":"monthly","provider":"paypal"}`)
	require.Equal(t, http.StatusCreated, code)
	res := decode[monetization.CheckoutResponse](t, env.Data)
	assert.NotEmpty(t, res.PaymentID)
	assert.Equal(t, "https://paypal.test/approve/ORDER-1", res.ApproveURL)
	assert.Equal(t, core.StatusPending, res.Status)

	code, env = e.do(t, http.MethodPost, "/checkout", "profile-1", `{"plan":"yearly","provider":"paypal"}`)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "purchase already in progress", env.Error.Message)
	assert.NotContains(t, env.Error.Message, res.PaymentID)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"unknown plan", `{"plan":"weekly","provider":"paypal"}`, http.StatusNotFound, "plan not found"},
		{"free trial is not sold", `{"plan":"free_trial","provider":"paypal"}`, http.StatusUnprocessableEntity, "plan cannot be purchased"},
		{"unknown provider", `{"plan":"monthly","provider":"bitcoin"}`, http.StatusUnprocessableEntity, "payment provider not supported"},
		{"missing provider", `{"plan":"monthly"}`, http.StatusUnprocessableEntity, "validation failed"},
		{"malformed body", `{"plan":`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := e.do(t, http.MethodPost, "/checkout", "profile-2", tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.message, env.Error.Message)
		})
	}

	_, env = e.do(t, http.MethodPost, "/checkout", "profile-2", `{"plan":"monthly"}`)
	assert.Equal(t, []string{"is required"}, env.Error.Details["provider"])
}

func TestCheckoutProviderUnavailable(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)
	e.provider.failing = errors.Join(core.ErrProviderUnavailable, errors.New("connection reset"))

	code, env := e.do(t, http.MethodPost, "/checkout", "profile-1", `{"plan":"monthly","provider":"paypal"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NotNil(t, env.Error)
	assert.NotContains(t, env.Error.Message, "connection reset")

	// The abandoned record does not block the next attempt.
	e.provider.failing = nil
	code, _ = e.do(t, http.MethodPost, "/checkout", "profile-1", `{"plan":"monthly","provider":"paypal"}`)
	assert.Equal(t, http.StatusCreated, code)
}

func TestFreeTrial(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 1)

	code, env := e.do(t, http.MethodPost, "/free-trial", "profile-1", "")
	require.Equal(t, http.StatusCreated, code)
	sub := decode[monetization.SubscriptionView](t, env.Data)
	assert.True(t, sub.IsPaid)
	assert.True(t, sub.IsActive)
	require.NotNil(t, sub.PaidUntil)

	code, env = e.do(t, http.MethodPost, "/free-trial", "profile-1", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "free promotion already used", env.Error.Message)

	code, env = e.do(t, http.MethodPost, "/free-trial", "profile-2", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "quota exhausted", env.Error.Message)

	_, env = e.do(t, http.MethodGet, "/pricing", "", "")
	summary := decode[core.PricingSummary](t, env.Data)
	assert.False(t, summary.FreePromotionAvailable)
	assert.Zero(t, summary.RemainingFreeSpots)
}

func TestCancelAndList(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	_, env := e.do(t, http.MethodPost, "/checkout", "owner", `{"plan":"lifetime","provider":"paypal"}`)
	paymentID := decode[monetization.CheckoutResponse](t, env.Data).PaymentID

	code, env := e.do(t, http.MethodPost, "/payments/"+paymentID+"/cancel", "intruder", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "payment not found", env.Error.Message)

	code, env = e.do(t, http.MethodPost, "/payments/"+paymentID+"/cancel", "owner", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.StatusCancelled, decode[monetization.PaymentView](t, env.Data).Status)

	code, env = e.do(t, http.MethodPost, "/payments/"+paymentID+"/cancel", "owner", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "operation not allowed in current state", env.Error.Message)

	code, env = e.do(t, http.MethodGet, "/payments", "owner", "")
	require.Equal(t, http.StatusOK, code)
	views := decode[[]monetization.PaymentView](t, env.Data)
	require.Len(t, views, 1)
	assert.Equal(t, paymentID, views[0].ID)
	assert.Equal(t, core.Money{Amount: 24900, Currency: "EUR"}, views[0].Amount)
	assert.NotContains(t, string(env.Data), "ORDER-1")
	assert.EqualValues(t, 1, env.Meta["total"])

	_, env = e.do(t, http.MethodGet, "/payments", "intruder", "")
	assert.Empty(t, decode[[]monetization.PaymentView](t, env.Data))
}

func TestWebhooksAuthorizationIsCaptured(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	_, env := e.do(t, http.MethodPost, "/checkout", "profile-1", `{"plan":"monthly","provider":"paypal"}`)
	require.NotNil(t, env.Data)

	code, env := e.webhook(t, "paypal", "valid", `{"order":"ORDER-1","type":"authorized"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.Ack, decode[monetization.WebhookResponse](t, env.Data).Outcome)

	_, env = e.do(t, http.MethodGet, "/subscription", "profile-1", "")
	sub := decode[monetization.SubscriptionView](t, env.Data)
	assert.True(t, sub.IsPaid)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, core.PlanMonthly, *sub.Plan)

	// The provider's own capture notification arrives afterwards.
	code, env = e.webhook(t, "paypal", "valid", `{"order":"ORDER-1","type":"captured"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.Ignored, decode[monetization.WebhookResponse](t, env.Data).Outcome)
}

func TestWebhooks(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	_, env := e.do(t, http.MethodPost, "/checkout", "profile-1", `{"plan":"monthly","provider":"paypal"}`)
	require.NotNil(t, env.Data)

	code, env := e.webhook(t, "paypal", "valid", `{"order":"ORDER-1","type":"captured"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.Ack, decode[monetization.WebhookResponse](t, env.Data).Outcome)

	code, env = e.webhook(t, "paypal", "valid", `{"order":"ORDER-1","type":"captured"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.Ignored, decode[monetization.WebhookResponse](t, env.Data).Outcome)

	code, env = e.webhook(t, "paypal", "valid", `{"order":"ORDER-1","type":"authorized"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, core.Ignored, decode[monetization.WebhookResponse](t, env.Data).Outcome)

	code, _ = e.webhook(t, "paypal", "valid", `{"ping":true}`)
	assert.Equal(t, http.StatusOK, code)

	_, env = e.do(t, http.MethodGet, "/subscription", "profile-1", "")
	sub := decode[monetization.SubscriptionView](t, env.Data)
	assert.True(t, sub.IsPaid)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, core.PlanMonthly, *sub.Plan)

	tests := []struct {
		name      string
		provider  string
		signature string
		body      string
		status    int
	}{
		{"forged signature", "paypal", "forged", `{"order":"ORDER-1","type":"refunded"}`, http.StatusUnauthorized},
		{"unknown provider", "bitcoin", "valid", `{"order":"ORDER-1","type":"captured"}`, http.StatusNotFound},
		{"unknown order", "paypal", "valid", `{"order":"ORDER-404","type":"captured"}`, http.StatusConflict},
		{"unparseable body", "paypal", "valid", `not json`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := e.webhook(t, tt.provider, tt.signature, tt.body)
			assert.Equal(t, tt.status, code)
			assert.NotNil(t, env.Error)
		})
	}

	// The forged refund did not touch the profile.
	_, env = e.do(t, http.MethodGet, "/subscription", "profile-1", "")
	assert.True(t, decode[monetization.SubscriptionView](t, env.Data).IsPaid)
}

func TestAutoRenewal(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	code, env := e.do(t, http.MethodPut, "/subscription/auto-renewal", "profile-1", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[monetization.SubscriptionView](t, env.Data).AutoRenewal)

	code, env = e.do(t, http.MethodPut, "/subscription/auto-renewal", "profile-1", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, decode[monetization.SubscriptionView](t, env.Data).AutoRenewal)

	code, env = e.do(t, http.MethodPut, "/subscription/auto-renewal", "profile-1", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, []string{"is required"}, env.Error.Details["enabled"])
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, 3)

	for _, path := range []string{"/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	e.do(t, http.MethodGet, "/pricing", "", "")

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/pricing"`)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
		Capacity: 2, RefillRate: 1, RefillInterval: time.Hour,
	})
	require.NoError(t, err)
	env := newLimitedTestEnv(t, 5, limiter)

	for range 2 {
		code, _ := env.do(t, http.MethodPost, "/checkout", "p1", `{"plan":"monthly","provider":"paypal"}`)
		assert.NotEqual(t, http.StatusTooManyRequests, code)
	}
	code, body := env.do(t, http.MethodPost, "/checkout", "p1", `{"plan":"monthly","provider":"paypal"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "too_many_requests", body.Error.Code)

	// Separate bucket per route and per profile.
	code, _ = env.do(t, http.MethodPost, "/free-trial", "p1", "")
	assert.NotEqual(t, http.StatusTooManyRequests, code)
	code, _ = env.do(t, http.MethodPost, "/checkout", "p2", `{"plan":"monthly","provider":"paypal"}`)
	assert.NotEqual(t, http.StatusTooManyRequests, code)

	code, _ = env.do(t, http.MethodGet, "/pricing", "", "")
	assert.Equal(t, http.StatusOK, code)
}
