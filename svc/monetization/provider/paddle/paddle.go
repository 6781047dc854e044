// Package paddle implements monetization.PaymentProvider for card payments
// on Paddle Billing. Each purchase is a one-off transaction opened through
// Paddle's hosted checkout; Paddle collects the funds itself, so capture
// only reads back the transaction status.
package paddle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/promokit/svc/monetization"
)

type Config struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	// BaseURL overrides the environment's API endpoint.
	BaseURL string `env:"PADDLE_BASE_URL"`
	// CheckoutURL is the page hosting Paddle.js; Paddle appends the
	// transaction id to it.
	CheckoutURL string `env:"PADDLE_CHECKOUT_URL"`
}

const (
	dataPaymentID = "payment_id"
	dataProfileID = "profile_id"
)

// Provider implements PaymentProvider for Paddle.
type Provider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	cfg      Config
}

var _ monetization.PaymentProvider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("paddle: API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("paddle: webhook secret is required")
	}

	var opts []paddle.Option
	if cfg.BaseURL != "" {
		opts = append(opts, paddle.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey, opts...)
	case "production", "":
		client, err = paddle.New(cfg.APIKey, opts...)
	default:
		return nil, fmt.Errorf("paddle: invalid environment %q", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("paddle: failed to create client: %w", err)
	}

	return &Provider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		cfg:      cfg,
	}, nil
}

func (p *Provider) Name() monetization.Provider {
	return monetization.ProviderCard
}

// CreateOrder opens a transaction for the plan's Paddle price. Renewals are
// billed to the customer and address of the previous transaction.
func (p *Provider) CreateOrder(ctx context.Context, req monetization.OrderRequest) (monetization.Order, error) {
	priceID := req.Plan.ProviderPrices[monetization.ProviderCard]
	if priceID == "" {
		return monetization.Order{}, fmt.Errorf("paddle: plan %s has no paddle price", req.Plan.Type)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			dataPaymentID: req.PaymentID,
			dataProfileID: req.ProfileID,
		},
	}
	if p.cfg.CheckoutURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(p.cfg.CheckoutURL)}
	}

	if req.Renewal {
		prev, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{
			TransactionID: req.PreviousOrderID,
		})
		if err != nil {
			return monetization.Order{}, classify(err)
		}
		if prev.CustomerID == nil || prev.AddressID == nil {
			return monetization.Order{}, fmt.Errorf("paddle: transaction %s has no customer", req.PreviousOrderID)
		}
		txReq.CustomerID = prev.CustomerID
		txReq.AddressID = prev.AddressID
	}

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return monetization.Order{}, classify(err)
	}

	order := monetization.Order{ExternalID: tx.ID}
	if tx.Checkout != nil && tx.Checkout.URL != nil {
		order.ApproveURL = *tx.Checkout.URL
	}
	if order.ApproveURL == "" && !req.Renewal {
		return monetization.Order{}, errors.New("paddle: no checkout URL returned")
	}
	return order, nil
}

// CaptureOrder reports the transaction status. Paddle collects payment
// during checkout, so there is nothing to capture explicitly.
func (p *Provider) CaptureOrder(ctx context.Context, externalID string) (monetization.EventType, error) {
	tx, err := p.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{
		TransactionID: externalID,
	})
	if err != nil {
		return "", classify(err)
	}
	return statusEvent(string(tx.Status)), nil
}

func statusEvent(status string) monetization.EventType {
	switch status {
	case "paid", "completed":
		return monetization.EventCaptured
	case "canceled":
		return monetization.EventCancelled
	case "past_due":
		return monetization.EventFailed
	default:
		// draft, ready and billed transactions still wait for the customer.
		return monetization.EventPending
	}
}

// classify joins network and timeout failures with ErrProviderUnavailable.
// API errors are answered by Paddle and are not retried.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(monetization.ErrProviderUnavailable, err)
	}
	return fmt.Errorf("paddle: %w", err)
}
