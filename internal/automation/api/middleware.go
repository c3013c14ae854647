// Package api implements the Control API and progress-stream SSE
// endpoint (spec.md §6), following internal/reports.Handler's
// RegisterRoutes(router *gin.RouterGroup) convention. Authentication
// replaces the teacher's stub internal/auth package with a real
// golang-jwt/v5 bearer-token middleware.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// RequireBearerToken validates a JWT bearer token against secret,
// rejecting the request with 401 otherwise. Used for both the Control
// API and the additive operator debug websocket endpoint.
func RequireBearerToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Next()
	}
}
