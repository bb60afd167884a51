package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
)

// ClaimsKey is the gin context key holding *CustomClaims of the caller.
const ClaimsKey = "claims"

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(v TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}

		claims, err := v.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			logging.Warn(c.Request.Context(), "Caller token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the caller claims set by RequireAuth.
func ClaimsFrom(c *gin.Context) (*CustomClaims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*CustomClaims)
	return claims, ok
}
