package ratelimiter

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrymomot/promokit/pkg/jwtauth"
)

// KeyFunc extracts the bucket key from a request. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// ProfileKey keys buckets by the authenticated profile.
func ProfileKey(r *http.Request) string {
	id, _ := jwtauth.ProfileID(r.Context())
	return id
}

// Prefixed namespaces keys so one store can back several buckets.
func Prefixed(prefix string, key KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		if k := key(r); k != "" {
			return prefix + ":" + k
		}
		return ""
	}
}

type MiddlewareConfig struct {
	Limiter *Bucket
	Key     KeyFunc // defaults to ProfileKey
	// OnLimited writes the response for a denied request. ErrLimited is
	// passed in. Defaults to a plain 429.
	OnLimited func(w http.ResponseWriter, r *http.Request, err error)
	// OnError handles store failures. Defaults to letting the request through.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware enforces the bucket and sets X-RateLimit-* headers.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Key == nil {
		cfg.Key = ProfileKey
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.Key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := cfg.Limiter.Allow(r.Context(), key)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				secs := int((res.RetryAfter(time.Now()) + time.Second - 1) / time.Second)
				h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
				cfg.OnLimited(w, r, ErrLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
