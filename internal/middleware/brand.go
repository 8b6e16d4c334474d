package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// BrandIDKey is the context key the brand scope is stored under.
const BrandIDKey = "brand_id"

// BrandScopeMiddleware extracts the tenant from the X-Brand-ID header.
// Authentication itself is handled upstream (gateway/session layer); this
// service only needs the resolved brand scope.
func BrandScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Brand-ID")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Missing brand scope",
				"message": "X-Brand-ID header is required",
			})
			return
		}
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid brand scope",
				"message": "X-Brand-ID must be a positive integer",
			})
			return
		}
		c.Set(BrandIDKey, uint(id))
		c.Next()
	}
}

// BrandID reads the brand scope set by BrandScopeMiddleware.
func BrandID(c *gin.Context) uint {
	if v, ok := c.Get(BrandIDKey); ok {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	return 0
}
