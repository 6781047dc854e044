// Package stripe implements monetization.PaymentProvider on Stripe
// PaymentIntents. One Provider instance serves one payment method: cards
// are authorized first and captured on approval, SEPA debits settle
// asynchronously. Both save the payment method for off-session renewals.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

type Config struct {
	SecretKey         string `env:"STRIPE_SECRET_KEY,required"`
	WebhookSecret     string `env:"STRIPE_WEBHOOK_SECRET,required"`
	SEPAWebhookSecret string `env:"STRIPE_SEPA_WEBHOOK_SECRET"`
	// BaseURL overrides the API endpoint, e.g. for stripe-mock.
	BaseURL string `env:"STRIPE_BASE_URL"`
}

// Method selects the payment method a Provider charges.
type Method string

const (
	Card Method = "card"
	SEPA Method = "sepa_debit"
)

const (
	metaPaymentID = "payment_id"
	metaProfileID = "profile_id"
	metaProvider  = "provider"
)

type Provider struct {
	api           *client.API
	method        Method
	name          monetization.Provider
	webhookSecret string
}

var _ monetization.PaymentProvider = (*Provider)(nil)

type Option func(*stripe.BackendConfig)

// WithHTTPClient sets the transport for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *stripe.BackendConfig) { b.HTTPClient = c }
}

// New returns a provider for method. Cards register as "stripe", SEPA
// debits as "sepa"; each has its own webhook endpoint and secret.
func New(cfg Config, method Method, opts ...Option) (*Provider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}

	p := &Provider{method: method}
	switch method {
	case Card:
		p.name, p.webhookSecret = monetization.ProviderStripe, cfg.WebhookSecret
	case SEPA:
		p.name, p.webhookSecret = monetization.ProviderSEPA, cfg.SEPAWebhookSecret
	default:
		return nil, fmt.Errorf("stripe: unsupported payment method %q", method)
	}
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("stripe: webhook secret for %s is required", p.name)
	}

	bc := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(1),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	for _, opt := range opts {
		opt(bc)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)
	p.api = client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return p, nil
}

func (p *Provider) Name() monetization.Provider {
	return p.name
}

// CreateOrder creates a PaymentIntent. First purchases return the client
// secret for in-page confirmation; renewals are confirmed off-session
// against the payment method of the previous order.
func (p *Provider) CreateOrder(ctx context.Context, req monetization.OrderRequest) (monetization.Order, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx, IdempotencyKey: stripe.String(req.PaymentID)},
		Amount:   stripe.Int64(req.Plan.Price.Amount),
		Currency: stripe.String(strings.ToLower(req.Plan.Price.Currency)),
		Metadata: map[string]string{
			metaPaymentID: req.PaymentID,
			metaProfileID: req.ProfileID,
			metaProvider:  string(p.name),
		},
		PaymentMethodTypes: []*string{stripe.String(string(p.method))},
		Description:        stripe.String(req.Plan.Name),
	}

	if req.Renewal {
		prev, err := p.api.PaymentIntents.Get(req.PreviousOrderID, &stripe.PaymentIntentParams{
			Params: stripe.Params{Context: ctx},
		})
		if err != nil {
			return monetization.Order{}, classify(err)
		}
		if prev.Customer == nil || prev.PaymentMethod == nil {
			return monetization.Order{}, fmt.Errorf("stripe: order %s has no saved payment method", req.PreviousOrderID)
		}
		params.Customer = stripe.String(prev.Customer.ID)
		params.PaymentMethod = stripe.String(prev.PaymentMethod.ID)
		params.Confirm = stripe.Bool(true)
		params.OffSession = stripe.Bool(true)
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic))
	} else {
		cust, err := p.api.Customers.New(&stripe.CustomerParams{
			Params:   stripe.Params{Context: ctx, IdempotencyKey: stripe.String("customer-" + req.PaymentID)},
			Metadata: map[string]string{metaProfileID: req.ProfileID},
		})
		if err != nil {
			return monetization.Order{}, classify(err)
		}
		params.Customer = stripe.String(cust.ID)
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
		params.CaptureMethod = stripe.String(string(p.captureMethod()))
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		// A declined off-session confirmation still creates the intent; the
		// decline surfaces through CaptureOrder.
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard && se.PaymentIntent != nil {
			return monetization.Order{ExternalID: se.PaymentIntent.ID}, nil
		}
		return monetization.Order{}, classify(err)
	}
	return monetization.Order{ExternalID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (p *Provider) captureMethod() stripe.PaymentIntentCaptureMethod {
	if p.method == Card {
		return stripe.PaymentIntentCaptureMethodManual
	}
	return stripe.PaymentIntentCaptureMethodAutomatic
}

// CaptureOrder captures an authorized intent and reports where the intent
// ended up. Intents that need the customer to act count as failed, since
// the customer is not around for off-session charges.
func (p *Provider) CaptureOrder(ctx context.Context, externalID string) (monetization.EventType, error) {
	pi, err := p.api.PaymentIntents.Get(externalID, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return "", classify(err)
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		pi, err = p.api.PaymentIntents.Capture(externalID, &stripe.PaymentIntentCaptureParams{
			Params: stripe.Params{Context: ctx, IdempotencyKey: stripe.String("capture-" + externalID)},
		})
		if err != nil {
			var se *stripe.Error
			if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
				return monetization.EventFailed, nil
			}
			return "", classify(err)
		}
	}
	return statusEvent(pi.Status), nil
}

func statusEvent(s stripe.PaymentIntentStatus) monetization.EventType {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return monetization.EventCaptured
	case stripe.PaymentIntentStatusRequiresCapture:
		return monetization.EventAuthorized
	case stripe.PaymentIntentStatusProcessing:
		return monetization.EventPending
	case stripe.PaymentIntentStatusCanceled:
		return monetization.EventCancelled
	default:
		return monetization.EventFailed
	}
}

// classify joins transient Stripe failures with ErrProviderUnavailable.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return errors.Join(monetization.ErrProviderUnavailable, err)
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI {
		return errors.Join(monetization.ErrProviderUnavailable, err)
	}
	return err
}
