package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	callerKey       = "caller"
	anonymousCaller = "anonymous"
)

// BearerAuth resolves the caller from an Authorization: Bearer header.
// tokens maps each accepted token to a caller name; with no tokens every
// request passes as anonymous.
func BearerAuth(tokens map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(tokens) == 0 {
			c.Set(callerKey, anonymousCaller)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		caller, known := tokens[strings.TrimSpace(token)]
		if !ok || !known {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func Caller(c *gin.Context) string {
	if caller := c.GetString(callerKey); caller != "" {
		return caller
	}
	return anonymousCaller
}
