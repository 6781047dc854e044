package paypal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id"`
	Description string `json:"description,omitempty"`
	Amount      amount `json:"amount"`
}

type experienceContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	UserAction string `json:"user_action"`
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type vaultAttributes struct {
	Vault struct {
		ID           string `json:"id,omitempty"`
		StoreInVault string `json:"store_in_vault,omitempty"`
		UsageType    string `json:"usage_type,omitempty"`
	} `json:"vault"`
}

type paypalSource struct {
	VaultID           string             `json:"vault_id,omitempty"`
	ExperienceContext *experienceContext `json:"experience_context,omitempty"`
	Attributes        *vaultAttributes   `json:"attributes,omitempty"`
}

type orderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	PaymentSource struct {
		PayPal paypalSource `json:"paypal"`
	} `json:"payment_source"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PaymentSource struct {
		PayPal struct {
			Attributes vaultAttributes `json:"attributes"`
		} `json:"paypal"`
	} `json:"payment_source"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o order) approveURL() string {
	for _, l := range o.Links {
		if l.Rel == "payer-action" || l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

func (o order) captureStatus() string {
	for _, pu := range o.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0].Status
		}
	}
	return ""
}

// CreateOrder creates a CAPTURE-intent order. First purchases ask PayPal to
// vault the buyer's wallet on success; renewals charge that vaulted wallet.
func (p *Provider) CreateOrder(ctx context.Context, req monetization.OrderRequest) (monetization.Order, error) {
	body := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.PaymentID,
			CustomID:    req.PaymentID,
			Description: req.Plan.Name,
			Amount:      amount{CurrencyCode: req.Plan.Price.Currency, Value: req.Plan.Price.Decimal()},
		}},
	}

	if req.Renewal {
		vaultID, err := p.vaultID(ctx, req.PreviousOrderID)
		if err != nil {
			return monetization.Order{}, err
		}
		body.PaymentSource.PayPal.VaultID = vaultID
	} else {
		body.PaymentSource.PayPal.ExperienceContext = &experienceContext{
			BrandName:  p.cfg.BrandName,
			UserAction: "PAY_NOW",
			ReturnURL:  p.cfg.ReturnURL,
			CancelURL:  p.cfg.CancelURL,
		}
		attrs := &vaultAttributes{}
		attrs.Vault.StoreInVault = "ON_SUCCESS"
		attrs.Vault.UsageType = "MERCHANT"
		body.PaymentSource.PayPal.Attributes = attrs
	}

	var created order
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &created, req.PaymentID); err != nil {
		return monetization.Order{}, err
	}
	return monetization.Order{ExternalID: created.ID, ApproveURL: created.approveURL()}, nil
}

func (p *Provider) vaultID(ctx context.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", errors.New("paypal: renewal without a previous order")
	}
	var prev order
	if err := p.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &prev, ""); err != nil {
		return "", err
	}
	id := prev.PaymentSource.PayPal.Attributes.Vault.ID
	if id == "" {
		return "", fmt.Errorf("paypal: order %s has no vaulted payment source", orderID)
	}
	return id, nil
}

// CaptureOrder captures an approved order.
func (p *Provider) CaptureOrder(ctx context.Context, externalID string) (monetization.EventType, error) {
	var captured order
	err := p.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(externalID)+"/capture",
		struct{}{}, &captured, "capture-"+externalID)

	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.hasIssue("ORDER_ALREADY_CAPTURED"):
		return monetization.EventCaptured, nil
	case errors.As(err, &apiErr) && (apiErr.hasIssue("INSTRUMENT_DECLINED") || apiErr.hasIssue("PAYER_ACTION_REQUIRED")):
		return monetization.EventFailed, nil
	case err != nil:
		return "", err
	}

	switch captured.captureStatus() {
	case "COMPLETED":
		return monetization.EventCaptured, nil
	case "PENDING":
		return monetization.EventPending, nil
	case "DECLINED", "FAILED":
		return monetization.EventFailed, nil
	}
	if captured.Status == "COMPLETED" {
		return monetization.EventCaptured, nil
	}
	return monetization.EventPending, nil
}
