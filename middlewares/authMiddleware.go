package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerToken copies an "Authorization: Bearer" credential into the "token"
// header so the tenant middleware only has one place to look.
func BearerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	}
}
