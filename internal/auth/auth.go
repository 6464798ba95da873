// Package auth guards the admin command surface. Lock, release, and cancel
// move real funds, so they sit behind a shared admin secret checked in
// constant time.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the admin credential.
const HeaderAdminSecret = "X-Admin-Secret"

// AdminMiddleware rejects requests without the configured admin secret.
// An empty configured secret disables the whole admin surface rather than
// leaving it open.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}

		provided := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid admin secret",
			})
			return
		}

		c.Next()
	}
}
