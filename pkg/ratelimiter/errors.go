package ratelimiter

import "errors"

var (
	ErrInvalidConfig     = errors.New("ratelimiter: invalid configuration")
	ErrInvalidTokenCount = errors.New("ratelimiter: invalid token count")
	// ErrLimited is passed to MiddlewareConfig.OnLimited.
	ErrLimited = errors.New("ratelimiter: rate limit exceeded")
)
