package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gembalance/internal/apierr"
)

// bearerToken extracts the token from Authorization, falling back to the
// x-api-key header for clients that send keys that way.
func bearerToken(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if auth != "" {
		return auth
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

func tokenMatches(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ClientAuth gates the OpenAI-compatible surface behind an access-token
// allow-list. With requireAuth false or an empty list, everything passes.
func ClientAuth(requireAuth func() (bool, []string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		required, tokens := requireAuth()
		if !required || len(tokens) == 0 {
			c.Next()
			return
		}
		provided := bearerToken(c)
		if provided == "" {
			abortUnauthorized(c, "API key not provided")
			return
		}
		for _, t := range tokens {
			if tokenMatches(provided, t) {
				c.Next()
				return
			}
		}
		abortUnauthorized(c, "Invalid API key")
	}
}

// AdminAuth gates the admin surface behind the configured admin token. An
// empty token leaves the surface open, matching a dev deployment.
func AdminAuth(token func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := token()
		if expected == "" {
			c.Next()
			return
		}
		if !tokenMatches(bearerToken(c), expected) {
			abortUnauthorized(c, "Invalid admin token")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized,
		apierr.New(http.StatusUnauthorized, "authentication_error", message).Envelope())
}
