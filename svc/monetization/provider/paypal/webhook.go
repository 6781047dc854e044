package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

const maxWebhookBody = 1 << 20

var transmissionHeaders = []string{
	"PAYPAL-AUTH-ALGO",
	"PAYPAL-CERT-URL",
	"PAYPAL-TRANSMISSION-ID",
	"PAYPAL-TRANSMISSION-SIG",
	"PAYPAL-TRANSMISSION-TIME",
}

type webhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyEvent asks PayPal to verify the delivery, then maps order and
// capture events onto the order they belong to.
func (p *Provider) VerifyEvent(ctx context.Context, r *http.Request) (*monetization.ProviderEvent, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}

	vals := make([]string, len(transmissionHeaders))
	for i, h := range transmissionHeaders {
		if vals[i] = r.Header.Get(h); vals[i] == "" {
			return nil, errors.Join(monetization.ErrInvalidSignature, errors.New("paypal: missing "+h))
		}
	}
	if !json.Valid(raw) {
		return nil, errors.Join(monetization.ErrInvalidSignature, errors.New("paypal: malformed event body"))
	}

	var verdict struct {
		Status string `json:"verification_status"`
	}
	err = p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", verifyRequest{
		AuthAlgo:         vals[0],
		CertURL:          vals[1],
		TransmissionID:   vals[2],
		TransmissionSig:  vals[3],
		TransmissionTime: vals[4],
		WebhookID:        p.cfg.WebhookID,
		WebhookEvent:     raw,
	}, &verdict, "")
	if err != nil {
		if errors.Is(err, monetization.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}
	if verdict.Status != "SUCCESS" {
		return nil, errors.Join(monetization.ErrInvalidSignature, errors.New("paypal: verification status "+verdict.Status))
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}
	return mapEvent(ev, raw), nil
}

func mapEvent(ev webhookEvent, raw []byte) *monetization.ProviderEvent {
	out := &monetization.ProviderEvent{
		Provider: monetization.ProviderPayPal,
		EventID:  ev.ID,
		Payload:  raw,
	}

	switch ev.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		out.Type, out.ExternalID = monetization.EventAuthorized, ev.Resource.ID
	case "CHECKOUT.ORDER.VOIDED":
		out.Type, out.ExternalID = monetization.EventCancelled, ev.Resource.ID
	case "PAYMENT.CAPTURE.COMPLETED":
		out.Type = monetization.EventCaptured
	case "PAYMENT.CAPTURE.PENDING":
		out.Type = monetization.EventPending
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		out.Type = monetization.EventFailed
	case "PAYMENT.CAPTURE.REFUNDED", "PAYMENT.CAPTURE.REVERSED":
		out.Type = monetization.EventRefunded
	default:
		return nil
	}
	if out.ExternalID == "" {
		out.ExternalID = ev.Resource.SupplementaryData.RelatedIDs.OrderID
	}
	return out
}
