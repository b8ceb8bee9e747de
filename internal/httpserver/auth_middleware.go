package httpserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"milestone-service/pkg/util"
)

// AuthRequired verifies the bearer token and stores the caller's wallet
// address in the request context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		address, err := util.ParseJWT(strings.TrimPrefix(auth, "Bearer "), secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("address", address)
		c.Next()
	}
}
