// Package auth guards operator-only routes.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret on admin requests.
const HeaderAdminSecret = "X-Admin-Secret"

// RequireAdmin rejects requests whose X-Admin-Secret does not equal secret.
// With an empty secret the routes are open when allowOpen is set (local
// development) and refused otherwise.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if allowOpen {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "authorization_error",
				"message": "admin routes are disabled: ADMIN_SECRET is not set",
			})
			return
		}

		given := c.GetHeader(HeaderAdminSecret)
		if given == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin secret required. Include the " + HeaderAdminSecret + " header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "authorization_error",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}
