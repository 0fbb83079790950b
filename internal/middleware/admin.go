package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminTokenHeader carries the operator token on admin routes.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken rejects requests without the configured operator token.
func AdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "invalid admin token",
			})
			return
		}
		c.Next()
	}
}
