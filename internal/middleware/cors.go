package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS answers preflight requests and sets allow headers for the
// configured origins. allowed is "*" or a comma-separated origin list.
func CORS(allowed string) gin.HandlerFunc {
	var origins []string
	wildcard := false
	for _, o := range strings.Split(allowed, ",") {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		} else if o != "" {
			origins = append(origins, o)
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		grant := ""
		switch {
		case wildcard:
			grant = "*"
		case origin != "":
			for _, o := range origins {
				if o == origin {
					grant = origin
					break
				}
			}
		}
		if grant != "" {
			c.Header("Access-Control-Allow-Origin", grant)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
