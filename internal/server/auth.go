package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tokenAuth requires a static bearer token. An empty token disables the check.
// EventSource clients cannot set headers, so ?token= is accepted as well.
func tokenAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" || got == c.GetHeader("Authorization") {
			got = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeJSON(c, http.StatusUnauthorized, errorResp{
				Error:   "authentication_failed",
				Message: "Authentication required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
