// Package ratelimiter provides token bucket rate limiting with pluggable
// storage and HTTP middleware.
//
// A bucket holds up to Capacity tokens and regains RefillRate tokens every
// RefillInterval. Each request consumes one token; a request that finds too
// few tokens is denied without draining the bucket further.
//
//	limiter, err := ratelimiter.NewBucket(ratelimiter.NewMemoryStore(), ratelimiter.Config{
//		Capacity:       5,
//		RefillRate:     1,
//		RefillInterval: time.Minute,
//	})
//
//	r.With(ratelimiter.Middleware(ratelimiter.MiddlewareConfig{
//		Limiter: limiter,
//		Key:     ratelimiter.ProfileKey,
//	})).Post("/checkout", checkout)
//
// MemoryStore suits a single replica. Multi-replica deployments use the
// redis package's RateLimitStore so every replica draws from the same bucket.
package ratelimiter
