package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/ashstack/ash/internal/common/errors"
)

// InternalAuth requires a bearer token matching the configured internal
// secret on coordinator/runner endpoints. When secret is empty (single
// machine deployments) the middleware admits every request.
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.Unauthorized("invalid internal token")})
			return
		}

		c.Next()
	}
}
