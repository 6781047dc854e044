package monetization

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dmitrymomot/promokit/handler"
	"github.com/dmitrymomot/promokit/pkg/binder"
	"github.com/dmitrymomot/promokit/pkg/jwtauth"
	"github.com/dmitrymomot/promokit/pkg/ratelimiter"
	core "github.com/dmitrymomot/promokit/svc/monetization"
)

// Service is the part of the monetization service the HTTP API drives.
type Service interface {
	PricingSummary(ctx context.Context) (core.PricingSummary, error)
	StartCheckout(ctx context.Context, profileID string, plan core.PlanType, provider core.Provider) (core.Checkout, error)
	TryGrantFreeSlot(ctx context.Context, profileID string) (core.GrantResult, error)
	Cancel(ctx context.Context, profileID, paymentID string) (*core.PaymentRecord, error)
	ListByProfile(ctx context.Context, profileID string) ([]core.PaymentRecord, error)
	Profile(ctx context.Context, profileID string) (*core.Profile, error)
	SetAutoRenewal(ctx context.Context, profileID string, enabled bool) (*core.Profile, error)
	ReceiveWebhook(ctx context.Context, provider core.Provider, r *http.Request) (core.Outcome, error)
}

var _ Service = (*core.Service)(nil)

// API serves the pricing, checkout, free-trial and subscription endpoints.
// Everything except GET /pricing requires a bearer token whose subject is
// the caller's profile id.
type API struct {
	svc          Service
	verifier     *jwtauth.Verifier
	validate     *validator.Validate
	errorHandler handler.ErrorHandler[handler.Context]
	limiter      *ratelimiter.Bucket
}

type APIOption func(*API)

// WithRateLimiter limits checkout and free-trial requests per profile.
func WithRateLimiter(b *ratelimiter.Bucket) APIOption {
	return func(a *API) { a.limiter = b }
}

func NewAPI(svc Service, verifier *jwtauth.Verifier, log *slog.Logger, opts ...APIOption) *API {
	a := &API{
		svc:          svc,
		verifier:     verifier,
		validate:     newValidator(),
		errorHandler: handler.NewErrorHandler(log),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// limited wraps h with the rate limiter when one is configured. Buckets
// are shared between the routes under the same name.
func (a *API) limited(name string) func(http.Handler) http.Handler {
	if a.limiter == nil {
		return func(h http.Handler) http.Handler { return h }
	}
	return ratelimiter.Middleware(ratelimiter.MiddlewareConfig{
		Limiter: a.limiter,
		Key:     ratelimiter.Prefixed(name, ratelimiter.ProfileKey),
		OnLimited: func(w http.ResponseWriter, r *http.Request, err error) {
			a.errorHandler(handler.NewContext(w, r), errors.Join(handler.ErrTooManyRequests, err))
		},
	})
}

func (a *API) Handle() http.Handler {
	r := chi.NewRouter()

	r.Get("/pricing", handler.Wrap(a.pricing,
		handler.WithErrorHandler[handler.Context, struct{}](a.errorHandler),
	))

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.MiddlewareWithConfig(jwtauth.MiddlewareConfig{
			Verifier: a.verifier,
			OnError: func(w http.ResponseWriter, req *http.Request, err error) {
				a.errorHandler(handler.NewContext(w, req), errors.Join(errUnauthenticated, err))
			},
		}))

		r.With(a.limited("checkout")).Post("/checkout", handler.Wrap(a.checkout,
			handler.WithBinders[handler.Context, CheckoutRequest](binder.JSON()),
			handler.WithDecorators(validated[CheckoutRequest](a.validate)),
			handler.WithErrorHandler[handler.Context, CheckoutRequest](a.errorHandler),
		))
		r.With(a.limited("free-trial")).Post("/free-trial", handler.Wrap(a.freeTrial,
			handler.WithErrorHandler[handler.Context, struct{}](a.errorHandler),
		))
		r.Get("/payments", handler.Wrap(a.payments,
			handler.WithErrorHandler[handler.Context, struct{}](a.errorHandler),
		))
		r.Post("/payments/{id}/cancel", handler.Wrap(a.cancel,
			handler.WithBinders[handler.Context, CancelRequest](binder.Path(chi.URLParam)),
			handler.WithDecorators(validated[CancelRequest](a.validate)),
			handler.WithErrorHandler[handler.Context, CancelRequest](a.errorHandler),
		))
		r.Get("/subscription", handler.Wrap(a.subscription,
			handler.WithErrorHandler[handler.Context, struct{}](a.errorHandler),
		))
		r.Put("/subscription/auto-renewal", handler.Wrap(a.autoRenewal,
			handler.WithBinders[handler.Context, AutoRenewalRequest](binder.JSON()),
			handler.WithDecorators(validated[AutoRenewalRequest](a.validate)),
			handler.WithErrorHandler[handler.Context, AutoRenewalRequest](a.errorHandler),
		))
	})

	return r
}

type CheckoutRequest struct {
	Plan     core.PlanType `json:"plan" validate:"required,max=32"`
	Provider core.Provider `json:"provider" validate:"required,max=32"`
}

type CheckoutResponse struct {
	PaymentID    string      `json:"paymentId"`
	ApproveURL   string      `json:"approveUrl,omitempty"`
	ClientSecret string      `json:"clientSecret,omitempty"`
	Status       core.Status `json:"status"`
}

type CancelRequest struct {
	PaymentID string `path:"id" validate:"required,max=64"`
}

type AutoRenewalRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// PaymentView is a payment record as shown to its owner. Provider order ids
// stay internal.
type PaymentView struct {
	ID         string        `json:"id"`
	Provider   core.Provider `json:"provider"`
	Plan       core.PlanType `json:"plan"`
	Amount     core.Money    `json:"amount"`
	Status     core.Status   `json:"status"`
	Renewal    bool          `json:"renewal"`
	CreatedAt  time.Time     `json:"createdAt"`
	CapturedAt *time.Time    `json:"capturedAt,omitempty"`
}

func newPaymentView(rec core.PaymentRecord) PaymentView {
	return PaymentView{
		ID:         rec.ID,
		Provider:   rec.Provider,
		Plan:       rec.PlanType,
		Amount:     core.Money{Amount: rec.Amount, Currency: rec.Currency},
		Status:     rec.Status,
		Renewal:    rec.Renewal,
		CreatedAt:  rec.CreatedAt,
		CapturedAt: rec.CapturedAt,
	}
}

type SubscriptionView struct {
	IsPaid          bool           `json:"isPaid"`
	IsActive        bool           `json:"isActive"`
	Plan            *core.PlanType `json:"plan,omitempty"`
	PaidUntil       *time.Time     `json:"paidUntil,omitempty"`
	Lifetime        bool           `json:"lifetime"`
	AutoRenewal     bool           `json:"autoRenewal"`
	RenewalAttempts int            `json:"renewalAttempts,omitempty"`
	NextRenewalAt   *time.Time     `json:"nextRenewalAt,omitempty"`
}

func newSubscriptionView(p *core.Profile) SubscriptionView {
	return SubscriptionView{
		IsPaid:          p.IsPaid,
		IsActive:        p.IsActive,
		Plan:            p.PlanType,
		PaidUntil:       p.PaidUntil,
		Lifetime:        p.Lifetime(),
		AutoRenewal:     p.AutoRenewal,
		RenewalAttempts: p.RenewalAttempts,
		NextRenewalAt:   p.NextRenewalAt,
	}
}

func (a *API) pricing(ctx handler.Context, _ struct{}) handler.Response {
	summary, err := a.svc.PricingSummary(ctx)
	if err != nil {
		return handler.Fail(err)
	}
	return handler.JSON(summary)
}

func (a *API) checkout(ctx handler.Context, req CheckoutRequest) handler.Response {
	profileID, ok := jwtauth.ProfileID(ctx)
	if !ok {
		return handler.Fail(errUnauthenticated)
	}

	co, err := a.svc.StartCheckout(ctx, profileID, req.Plan, req.Provider)
	if err != nil {
		return handler.Fail(apiError(err, errPlanNotFound))
	}

	return handler.JSON(CheckoutResponse{
		PaymentID:    co.Record.ID,
		ApproveURL:   co.ApproveURL,
		ClientSecret: co.ClientSecret,
		Status:       co.Record.Status,
	}, handler.WithJSONStatus(http.StatusCreated))
}

func (a *API) freeTrial(ctx handler.Context, _ struct{}) handler.Response {
	profileID, ok := jwtauth.ProfileID(ctx)
	if !ok {
		return handler.Fail(errUnauthenticated)
	}

	res, err := a.svc.TryGrantFreeSlot(ctx, profileID)
	if err != nil {
		return handler.Fail(apiError(err, errPlanNotFound))
	}
	switch res.Reason {
	case core.DenyExhausted:
		return handler.Fail(apiError(core.ErrExhausted, errPlanNotFound))
	case core.DenyAlreadyGranted:
		return handler.Fail(apiError(core.ErrAlreadyGranted, errPlanNotFound))
	}

	return handler.JSON(newSubscriptionView(res.Profile), handler.WithJSONStatus(http.StatusCreated))
}

func (a *API) payments(ctx handler.Context, _ struct{}) handler.Response {
	profileID, ok := jwtauth.ProfileID(ctx)
	if !ok {
		return handler.Fail(errUnauthenticated)
	}

	records, err := a.svc.ListByProfile(ctx, profileID)
	if err != nil {
		return handler.Fail(err)
	}
	views := make([]PaymentView, 0, len(records))
	for _, rec := range records {
		views = append(views, newPaymentView(rec))
	}
	return handler.JSON(views, handler.WithJSONMeta(map[string]any{"total": len(views)}))
}

func (a *API) cancel(ctx handler.Context, req CancelRequest) handler.Response {
	profileID, ok := jwtauth.ProfileID(ctx)
	if !ok {
		return handler.Fail(errUnauthenticated)
	}

	rec, err := a.svc.Cancel(ctx, profileID, req.PaymentID)
	if err != nil {
		return handler.Fail(apiError(err, errPaymentNotFound))
	}
	return handler.JSON(newPaymentView(*rec))
}

func (a *API) subscription(ctx handler.Context, _ struct{}) handler.Response {
	profileID, ok := jwtauth.ProfileID(ctx)
	if !ok {
		return handler.Fail(errUnauthenticated)
	}

	p, err := a.svc.Profile(ctx, profileID)
	if err != nil {
		return handler.Fail(err)
	}
	return handler.JSON(newSubscriptionView(p))
}

func (a *API) autoRenewal(ctx handler.Context, req AutoRenewalRequest) handler.Response {
	profileID, ok := jwtauth.ProfileID(ctx)
	if !ok {
		return handler.Fail(errUnauthenticated)
	}

	p, err := a.svc.SetAutoRenewal(ctx, profileID, *req.Enabled)
	if err != nil {
		return handler.Fail(apiError(err, handler.ErrNotFound))
	}
	return handler.JSON(newSubscriptionView(p))
}
