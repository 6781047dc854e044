package monetization

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/promokit/handler"
	core "github.com/dmitrymomot/promokit/svc/monetization"
)

var (
	errPurchaseInProgress  = handler.ErrConflict.WithMessage("purchase already in progress")
	errQuotaExhausted      = handler.HTTPError{Code: http.StatusConflict, Key: "quota_exhausted", Message: "quota exhausted"}
	errFreeAlreadyUsed     = handler.HTTPError{Code: http.StatusConflict, Key: "free_promotion_used", Message: "free promotion already used"}
	errInvalidState        = handler.ErrConflict.WithMessage("operation not allowed in current state")
	errPlanNotFound        = handler.ErrNotFound.WithMessage("plan not found")
	errPaymentNotFound     = handler.ErrNotFound.WithMessage("payment not found")
	errInvalidPlan         = handler.ErrUnprocessableEntity.WithMessage("plan cannot be purchased")
	errUnsupportedProvider = handler.ErrUnprocessableEntity.WithMessage("payment provider not supported")
	errProviderUnavailable = handler.ErrServiceUnavailable.WithMessage("payment provider unavailable, try again later")
	errUnauthenticated     = handler.ErrUnauthorized.WithMessage("authentication required")

	errUnknownProvider  = handler.ErrNotFound.WithMessage("unknown provider")
	errInvalidSignature = handler.ErrUnauthorized.WithMessage("invalid signature")
	errUnknownOrder     = handler.ErrConflict.WithMessage("unknown order")
)

// apiError maps a service error to its client facing HTTPError, keeping the
// cause for logging. notFound is the error used for core.ErrNotFound,
// which differs per endpoint.
func apiError(err error, notFound handler.HTTPError) error {
	var mapped handler.HTTPError
	switch {
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrDuplicateOrder):
		mapped = errPurchaseInProgress
	case errors.Is(err, core.ErrExhausted):
		mapped = errQuotaExhausted
	case errors.Is(err, core.ErrAlreadyGranted):
		mapped = errFreeAlreadyUsed
	case errors.Is(err, core.ErrInvalidState):
		mapped = errInvalidState
	case errors.Is(err, core.ErrNotFound):
		mapped = notFound
	case errors.Is(err, core.ErrInvalidPlan):
		mapped = errInvalidPlan
	case errors.Is(err, core.ErrUnknownProvider):
		mapped = errUnsupportedProvider
	case core.IsRetryable(err):
		mapped = errProviderUnavailable
	default:
		return err
	}
	return errors.Join(mapped, err)
}

// webhookError maps reconciliation failures to statuses that make the
// provider redeliver, except for deliveries that can never succeed.
func webhookError(err error) error {
	var mapped handler.HTTPError
	switch {
	case errors.Is(err, core.ErrUnknownProvider):
		mapped = errUnknownProvider
	case errors.Is(err, core.ErrInvalidSignature):
		mapped = errInvalidSignature
	case errors.Is(err, core.ErrUnknownOrder):
		mapped = errUnknownOrder
	case core.IsRetryable(err):
		mapped = handler.ErrServiceUnavailable
	default:
		return err
	}
	return errors.Join(mapped, err)
}
