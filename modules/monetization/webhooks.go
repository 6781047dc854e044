package monetization

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/promokit/handler"
	"github.com/dmitrymomot/promokit/pkg/binder"
	core "github.com/dmitrymomot/promokit/svc/monetization"
)

// Webhooks receives provider callbacks at POST /{provider}. Verification is
// the provider's job; the body is left untouched for it.
type Webhooks struct {
	svc          Service
	errorHandler handler.ErrorHandler[handler.Context]
}

func NewWebhooks(svc Service, log *slog.Logger) *Webhooks {
	return &Webhooks{svc: svc, errorHandler: handler.NewErrorHandler(log)}
}

func (h *Webhooks) Handle() http.Handler {
	r := chi.NewRouter()
	r.Post("/{provider}", handler.Wrap(h.receive,
		handler.WithBinders[handler.Context, WebhookRequest](binder.Path(chi.URLParam)),
		handler.WithErrorHandler[handler.Context, WebhookRequest](h.errorHandler),
	))
	return r
}

type WebhookRequest struct {
	Provider core.Provider `path:"provider"`
}

type WebhookResponse struct {
	Outcome core.Outcome `json:"outcome"`
}

// receive acknowledges with 200 for both applied and ignored events. Any
// other status makes the provider redeliver later.
func (h *Webhooks) receive(ctx handler.Context, req WebhookRequest) handler.Response {
	out, err := h.svc.ReceiveWebhook(ctx, req.Provider, ctx.Request())
	if err != nil {
		return handler.Fail(webhookError(err))
	}
	return handler.JSON(WebhookResponse{Outcome: out})
}
