package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

const maxWebhookBody = 1 << 16

// VerifyEvent checks the Stripe-Signature header and maps PaymentIntent and
// refund events. Intents created by the sibling method's provider are
// ignored so one Stripe account can feed both webhook endpoints.
func (p *Provider) VerifyEvent(_ context.Context, r *http.Request) (*monetization.ProviderEvent, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return nil, nil
	}

	out := &monetization.ProviderEvent{Provider: p.name, EventID: event.ID, Payload: payload}

	if event.Type == stripe.EventTypeChargeRefunded {
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, err
		}
		if !ch.Refunded || ch.PaymentIntent == nil || !p.owns(ch.Metadata) {
			return nil, nil
		}
		out.Type, out.ExternalID = monetization.EventRefunded, ch.PaymentIntent.ID
		return out, nil
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentAmountCapturableUpdated:
		out.Type = monetization.EventAuthorized
	case stripe.EventTypePaymentIntentSucceeded:
		out.Type = monetization.EventCaptured
	case stripe.EventTypePaymentIntentProcessing:
		out.Type = monetization.EventPending
	case stripe.EventTypePaymentIntentPaymentFailed:
		out.Type = monetization.EventFailed
	case stripe.EventTypePaymentIntentCanceled:
		out.Type = monetization.EventCancelled
	default:
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, err
	}
	if !p.owns(pi.Metadata) {
		return nil, nil
	}
	out.ExternalID = pi.ID
	return out, nil
}

// owns reports whether the object was created by this provider. Objects
// without our metadata belong to nobody here.
func (p *Provider) owns(meta map[string]string) bool {
	return meta[metaProvider] == string(p.name)
}
