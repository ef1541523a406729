package middleware

import (
	"net/http"
	"net/http/httputil"
	"runtime/debug"

	"pixelrelay/internal/logger"

	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a JSON 500 so storefront and admin
// callers always get a parseable body. gin itself drops panics caused by the
// client hanging up. The request dump and stack are only logged in debug mode.
func Recovery(logger *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if gin.IsDebugging() {
			dump, _ := httputil.DumpRequest(c.Request, false)
			logger.Error("panic in %s %s: %v\n%s\n%s", c.Request.Method, route, recovered, dump, debug.Stack())
		} else {
			logger.Error("panic in %s %s: %v", c.Request.Method, route, recovered)
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}
