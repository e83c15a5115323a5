package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/cartline/internal/redis"
)

// SignatureHeader carries the platform's base64 HMAC-SHA256 of the raw
// request body.
const SignatureHeader = "X-Cartline-Hmac-Sha256"

// VerifySignature checks the webhook signature with a constant-time
// compare. An empty secret disables verification for the shop (local
// development only).
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature a platform would attach to body. Used by
// tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// KeyFunc extracts the rate-limit key from a request.
type KeyFunc func(r *http.Request) string

// ShopKeyFunc keys rate limits by the shop in the URL.
func ShopKeyFunc(r *http.Request) string {
	if shopID := chi.URLParam(r, "shopID"); shopID != "" {
		return "shop:" + shopID
	}
	return "ip:" + r.RemoteAddr
}

// RateLimitMiddleware applies the sliding-window limiter per key. A nil
// limiter (redis unavailable) passes everything through; an unreachable
// redis fails open so webhook intake survives a cache outage.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.Error(err),
					zap.String("key", key),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(result.ResetAt.Unix()), 10))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"type":"rate_limited","title":"Too many requests","status":429}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
