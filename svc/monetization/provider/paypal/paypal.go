// Package paypal implements monetization.PaymentProvider on the PayPal
// Orders v2 REST API. Requests are authenticated with an OAuth2
// client-credentials token; webhook deliveries are checked with PayPal's
// verify-webhook-signature endpoint.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

type Config struct {
	ClientID     string        `env:"PAYPAL_CLIENT_ID,required"`
	ClientSecret string        `env:"PAYPAL_CLIENT_SECRET,required"`
	WebhookID    string        `env:"PAYPAL_WEBHOOK_ID,required"`
	BaseURL      string        `env:"PAYPAL_BASE_URL" envDefault:"https://api-m.paypal.com"`
	ReturnURL    string        `env:"PAYPAL_RETURN_URL"`
	CancelURL    string        `env:"PAYPAL_CANCEL_URL"`
	BrandName    string        `env:"PAYPAL_BRAND_NAME" envDefault:"promokit"`
	Timeout      time.Duration `env:"PAYPAL_HTTP_TIMEOUT" envDefault:"15s"`
}

// Provider talks to one PayPal REST application.
type Provider struct {
	cfg    Config
	client *http.Client
}

var _ monetization.PaymentProvider = (*Provider)(nil)

type Option func(*options)

type options struct {
	base *http.Client
}

// WithHTTPClient sets the transport used for both token and API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.base = c }
}

func New(cfg Config, opts ...Option) *Provider {
	o := options{base: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token source refreshes lazily; the context only supplies the
	// HTTP client used for token requests.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.base)

	return &Provider{cfg: cfg, client: cc.Client(ctx)}
}

func (p *Provider) Name() monetization.Provider {
	return monetization.ProviderPayPal
}

// apiError is a non-retryable 4xx answer.
type apiError struct {
	Status  int
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("paypal: %d %s: %s", e.Status, e.Name, e.Message)
}

func (e *apiError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// do sends a JSON request and decodes a JSON answer into out. Transport
// failures, 429 and 5xx are joined with ErrProviderUnavailable; other
// non-2xx answers come back as *apiError.
func (p *Provider) do(ctx context.Context, method, path string, body, out any, requestID string) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Join(monetization.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Join(monetization.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Join(monetization.ErrProviderUnavailable,
			fmt.Errorf("paypal: %s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 400:
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
