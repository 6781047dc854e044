package monetization

import "errors"

var (
	ErrConflict            = errors.New("purchase already in progress")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrExhausted           = errors.New("quota exhausted")
	ErrAlreadyGranted      = errors.New("free promotion already used")
	ErrUnknownOrder        = errors.New("unknown provider order")
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	ErrDuplicateOrder   = errors.New("provider order id already attached to another payment")
	ErrInvalidSignature = errors.New("provider event signature verification failed")
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrInvalidPlan      = errors.New("invalid plan")
	ErrInvalidCatalog   = errors.New("invalid plan catalog")
)

// IsRetryable reports whether err is transient and the operation may be
// attempted again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
