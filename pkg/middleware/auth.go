package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/uplinkd/uplink/pkg/types"
)

// OwnerKey is the context key under which the authenticated caller's
// id is stored.
const OwnerKey = "ownerID"

// APIKeyAuth validates the X-API-Key header and extracts the caller
// identity from X-User-ID, set by the upstream identity layer. An
// empty apiKey disables the key check but the identity header stays
// mandatory.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	key := []byte(apiKey)
	return func(c *gin.Context) {
		if len(key) > 0 {
			provided := []byte(c.GetHeader("X-API-Key"))
			if subtle.ConstantTimeCompare(provided, key) != 1 {
				c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "Invalid API key"})
				c.Abort()
				return
			}
		}
		owner := c.GetHeader("X-User-ID")
		if owner == "" {
			c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "Authentication required"})
			c.Abort()
			return
		}
		c.Set(OwnerKey, owner)
		c.Next()
	}
}
