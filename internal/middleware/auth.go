package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
)

const principalKey = "principal"

// APIKey maps one accepted key to the principal it authenticates
type APIKey struct {
	Key       string
	Principal string
}

// ParseAPIKeys reads "principal=key" entries. A bare key authenticates
// without a principal, so only public credentials serve its requests.
func ParseAPIKeys(entries []string) []APIKey {
	keys := make([]APIKey, 0, len(entries))
	for _, e := range entries {
		principal, key, ok := strings.Cut(e, "=")
		if !ok {
			principal, key = "", e
		}
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, APIKey{Key: key, Principal: strings.TrimSpace(principal)})
		}
	}
	return keys
}

// APIKeyAuth checks for a valid API key and records its principal.
// An empty key list disables authentication.
func APIKeyAuth(keys []APIKey) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(keys) == 0 {
			return c.Next()
		}

		// Check header first
		apiKey := c.Get("X-API-Key")

		// If not in header, check query parameter
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		for _, k := range keys {
			if apiKey != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(k.Key)) == 1 {
				c.Locals(principalKey, k.Principal)
				return c.Next()
			}
		}

		return apperrors.ErrUnauthorized.WithMessage("Provide X-API-Key header or api_key query parameter")
	}
}

// Principal returns the principal authenticated for this request, if any
func Principal(c *fiber.Ctx) string {
	p, _ := c.Locals(principalKey).(string)
	return p
}
