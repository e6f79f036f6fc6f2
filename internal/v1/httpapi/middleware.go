package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/signalserver/internal/v1/apperrors"
	"github.com/relaymesh/signalserver/internal/v1/credential"
)

// userIDContextKey mirrors the key name ratelimit.RateLimiter reads so
// per-user rate limiting picks up the identity this middleware sets.
const userIDContextKey = "user_id"

// requireSession enforces the `Authorization: Bearer <session_token>`
// requirement shared by every endpoint except the OAuth callback and
// health/metrics, per §4.3.
func requireSession(cred *credential.Engine) gin.HandlerFunc {
	const prefix = "Bearer "
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(c, apperrors.Unauthenticated("missing bearer session token"))
			c.Abort()
			return
		}

		claims, err := cred.VerifySessionToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}

		c.Set(userIDContextKey, claims.Subject)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

// writeError renders err as the taxonomy's HTTP shape. Errors that never
// passed through apperrors collapse to upstream_failure rather than
// leaking an unclassified message.
func writeError(c *gin.Context, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.UpstreamFailure(err)
	}
	c.JSON(appErr.HTTPStatus(), gin.H{"error": string(appErr.Code), "message": appErr.Message})
}
