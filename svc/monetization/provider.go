package monetization

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// OrderRequest describes an order to create at a provider.
type OrderRequest struct {
	PaymentID string
	ProfileID string
	Plan      PricingPlan
	// Renewal orders are charged off-session against the payment method of
	// PreviousOrderID.
	Renewal         bool
	PreviousOrderID string
}

// Order is the provider's answer to CreateOrder.
type Order struct {
	ExternalID string
	// ApproveURL is where the user completes payment. Empty for off-session
	// charges.
	ApproveURL string
	// ClientSecret is set by providers whose payments are confirmed in-page
	// by the client instead of on a hosted approval page.
	ClientSecret string
}

// PaymentProvider is the capability set the service needs from a payment
// provider. Transient failures must wrap ErrProviderUnavailable; events
// that fail verification must wrap ErrInvalidSignature.
type PaymentProvider interface {
	Name() Provider
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	// CaptureOrder collects funds for an approved order and returns the
	// resulting normalized status.
	CaptureOrder(ctx context.Context, externalID string) (EventType, error)
	// VerifyEvent authenticates a webhook delivery and maps it to a
	// ProviderEvent. It returns nil, nil for deliveries that carry no
	// payment status change.
	VerifyEvent(ctx context.Context, r *http.Request) (*ProviderEvent, error)
}

// Providers selects a PaymentProvider by name.
type Providers map[Provider]PaymentProvider

// NewProviders indexes the given providers by their names.
func NewProviders(list ...PaymentProvider) Providers {
	p := make(Providers, len(list))
	for _, pp := range list {
		if pp != nil {
			p[pp.Name()] = pp
		}
	}
	return p
}

func (p Providers) Get(name Provider) (PaymentProvider, error) {
	pp, ok := p[name]
	if !ok {
		return nil, errors.Join(ErrUnknownProvider, fmt.Errorf("provider %q", name))
	}
	return pp, nil
}

// Names lists the configured providers in lexical order.
func (p Providers) Names() []Provider {
	names := make([]Provider, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
