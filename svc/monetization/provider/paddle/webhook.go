package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

const maxWebhookBody = 1 << 16

type notification struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		Action        string `json:"action"`
		Type          string `json:"type"`
		TransactionID string `json:"transaction_id"`
	} `json:"data"`
}

// VerifyEvent checks the Paddle-Signature header and maps transaction and
// refund notifications.
func (p *Provider) VerifyEvent(_ context.Context, r *http.Request) (*monetization.ProviderEvent, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))

	valid, err := p.verifier.Verify(r)
	if err != nil {
		return nil, errors.Join(monetization.ErrInvalidSignature, err)
	}
	if !valid {
		return nil, monetization.ErrInvalidSignature
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("paddle: failed to parse notification: %w", err)
	}

	ev := &monetization.ProviderEvent{
		Provider:   monetization.ProviderCard,
		ExternalID: n.Data.ID,
		EventID:    n.EventID,
		Payload:    payload,
	}
	switch n.EventType {
	case "transaction.paid", "transaction.completed":
		ev.Type = monetization.EventCaptured
	case "transaction.past_due":
		ev.Type = monetization.EventFailed
	case "transaction.canceled":
		ev.Type = monetization.EventCancelled
	case "adjustment.created", "adjustment.updated":
		// Only an approved full refund takes the purchase back.
		if n.Data.Action != "refund" || n.Data.Type != "full" || n.Data.Status != "approved" {
			return nil, nil
		}
		ev.Type, ev.ExternalID = monetization.EventRefunded, n.Data.TransactionID
	default:
		return nil, nil
	}
	return ev, nil
}
