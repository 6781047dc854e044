package paypal_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/svc/monetization"
	"github.com/dmitrymomot/promokit/svc/monetization/provider/paypal"
)

type fakePayPal struct {
	*httptest.Server
	mux         *http.ServeMux
	tokenCalls  atomic.Int32
	lastRequest atomic.Value
}

func newFakePayPal(t *testing.T) *fakePayPal {
	t.Helper()
	f := &fakePayPal{mux: http.NewServeMux()}
	f.mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	})
	f.Server = httptest.NewServer(f.authorized(f.mux))
	t.Cleanup(f.Close)
	return f
}

func (f *fakePayPal) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/oauth2/token" && r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakePayPal) handle(pattern string, status int, body string) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.lastRequest.Store(string(b))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func (f *fakePayPal) provider() *paypal.Provider {
	return paypal.New(paypal.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-1",
		BaseURL:      f.URL + "/",
		ReturnURL:    "https://promokit.test/return",
	}, paypal.WithHTTPClient(f.Client()))
}

func monthly() monetization.PricingPlan {
	return monetization.PricingPlan{
		Type:         monetization.PlanMonthly,
		Name:         "Monthly promotion",
		Price:        monetization.Money{Amount: 999, Currency: "EUR"},
		DurationDays: 30,
	}
}

func TestCreateOrder(t *testing.T) {
	t.Parallel()
	f := newFakePayPal(t)
	f.handle("POST /v2/checkout/orders", http.StatusCreated, `{
		"id": "ORD-1", "status": "PAYER_ACTION_REQUIRED",
		"links": [{"href": "https://paypal.test/checkoutnow?token=ORD-1", "rel": "payer-action"}]
	}`)

	p := f.provider()
	assert.Equal(t, monetization.ProviderPayPal, p.Name())

	order, err := p.CreateOrder(context.Background(), monetization.OrderRequest{
		PaymentID: "pay-1", ProfileID: "p1", Plan: monthly(),
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", order.ExternalID)
	assert.Equal(t, "https://paypal.test/checkoutnow?token=ORD-1", order.ApproveURL)

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.lastRequest.Load().(string)), &sent))
	unit := sent["purchase_units"].([]any)[0].(map[string]any)
	assert.Equal(t, "pay-1", unit["custom_id"])
	assert.Equal(t, map[string]any{"currency_code": "EUR", "value": "9.99"}, unit["amount"])
	assert.Contains(t, f.lastRequest.Load().(string), `"store_in_vault":"ON_SUCCESS"`)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
}

func TestCreateRenewalOrderUsesVault(t *testing.T) {
	t.Parallel()
	f := newFakePayPal(t)
	f.handle("GET /v2/checkout/orders/ORD-1", http.StatusOK, `{
		"id": "ORD-1", "status": "COMPLETED",
		"payment_source": {"paypal": {"attributes": {"vault": {"id": "VAULT-9", "status": "VAULTED"}}}}
	}`)
	f.handle("POST /v2/checkout/orders", http.StatusCreated, `{"id": "REN-1", "status": "CREATED"}`)

	order, err := f.provider().CreateOrder(context.Background(), monetization.OrderRequest{
		PaymentID: "pay-2", ProfileID: "p1", Plan: monthly(), Renewal: true, PreviousOrderID: "ORD-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "REN-1", order.ExternalID)
	assert.Empty(t, order.ApproveURL)
	assert.Contains(t, f.lastRequest.Load().(string), `"vault_id":"VAULT-9"`)
}

func TestCreateOrderUnavailable(t *testing.T) {
	t.Parallel()
	f := newFakePayPal(t)
	f.handle("POST /v2/checkout/orders", http.StatusServiceUnavailable, `{}`)

	_, err := f.provider().CreateOrder(context.Background(), monetization.OrderRequest{PaymentID: "pay-1", Plan: monthly()})
	require.ErrorIs(t, err, monetization.ErrProviderUnavailable)
	assert.True(t, monetization.IsRetryable(err))
}

func TestCaptureOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   monetization.EventType
	}{
		{"completed", http.StatusCreated,
			`{"id":"ORD-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"C1","status":"COMPLETED"}]}}]}`,
			monetization.EventCaptured},
		{"pending settlement", http.StatusCreated,
			`{"id":"ORD-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"C1","status":"PENDING"}]}}]}`,
			monetization.EventPending},
		{"declined", http.StatusUnprocessableEntity,
			`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`,
			monetization.EventFailed},
		{"already captured", http.StatusUnprocessableEntity,
			`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`,
			monetization.EventCaptured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakePayPal(t)
			f.handle("POST /v2/checkout/orders/ORD-1/capture", tt.status, tt.body)

			got, err := f.provider().CaptureOrder(context.Background(), "ORD-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("other client errors are not retryable", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)
		f.handle("POST /v2/checkout/orders/ORD-1/capture", http.StatusNotFound, `{"name":"RESOURCE_NOT_FOUND","message":"missing"}`)

		_, err := f.provider().CaptureOrder(context.Background(), "ORD-1")
		require.Error(t, err)
		assert.False(t, monetization.IsRetryable(err))
		assert.Contains(t, err.Error(), "RESOURCE_NOT_FOUND")
	})
}

func webhookRequest(body string, signed bool) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(body))
	if signed {
		r.Header.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
		r.Header.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert")
		r.Header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
		r.Header.Set("PAYPAL-TRANSMISSION-SIG", "sig")
		r.Header.Set("PAYPAL-TRANSMISSION-TIME", "2025-03-01T12:00:00Z")
	}
	return r
}

func TestVerifyEvent(t *testing.T) {
	t.Parallel()

	captured := `{"id":"WH-EV-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1",
		"supplementary_data":{"related_ids":{"order_id":"ORD-1"}}}}`

	t.Run("verified capture maps to its order", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)
		f.handle("POST /v1/notifications/verify-webhook-signature", http.StatusOK, `{"verification_status":"SUCCESS"}`)

		ev, err := f.provider().VerifyEvent(context.Background(), webhookRequest(captured, true))
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, monetization.EventCaptured, ev.Type)
		assert.Equal(t, "ORD-1", ev.ExternalID)
		assert.Equal(t, "WH-EV-1", ev.EventID)

		var sent map[string]any
		require.NoError(t, json.Unmarshal([]byte(f.lastRequest.Load().(string)), &sent))
		assert.Equal(t, "WH-1", sent["webhook_id"])
		assert.Equal(t, "tx-1", sent["transmission_id"])
	})

	t.Run("order approval uses the resource id", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)
		f.handle("POST /v1/notifications/verify-webhook-signature", http.StatusOK, `{"verification_status":"SUCCESS"}`)

		ev, err := f.provider().VerifyEvent(context.Background(),
			webhookRequest(`{"id":"WH-EV-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD-2"}}`, true))
		require.NoError(t, err)
		assert.Equal(t, monetization.EventAuthorized, ev.Type)
		assert.Equal(t, "ORD-2", ev.ExternalID)
	})

	t.Run("unrelated events carry nothing", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)
		f.handle("POST /v1/notifications/verify-webhook-signature", http.StatusOK, `{"verification_status":"SUCCESS"}`)

		ev, err := f.provider().VerifyEvent(context.Background(),
			webhookRequest(`{"id":"WH-EV-3","event_type":"CUSTOMER.DISPUTE.CREATED","resource":{"id":"D-1"}}`, true))
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("failed verification", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)
		f.handle("POST /v1/notifications/verify-webhook-signature", http.StatusOK, `{"verification_status":"FAILURE"}`)

		_, err := f.provider().VerifyEvent(context.Background(), webhookRequest(captured, true))
		require.ErrorIs(t, err, monetization.ErrInvalidSignature)
	})

	t.Run("missing transmission headers", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)

		_, err := f.provider().VerifyEvent(context.Background(), webhookRequest(captured, false))
		require.ErrorIs(t, err, monetization.ErrInvalidSignature)
	})

	t.Run("verification endpoint down", func(t *testing.T) {
		t.Parallel()
		f := newFakePayPal(t)
		f.handle("POST /v1/notifications/verify-webhook-signature", http.StatusBadGateway, `{}`)

		_, err := f.provider().VerifyEvent(context.Background(), webhookRequest(captured, true))
		require.ErrorIs(t, err, monetization.ErrProviderUnavailable)
		assert.NotErrorIs(t, err, monetization.ErrInvalidSignature)
	})
}
