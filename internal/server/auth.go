package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth failure details returned in 401 bodies.
const (
	ErrTokenMissing = "auth-required-but-token-missing"
	ErrUnauthorized = "unauthorized"
)

// tokenFromRequest picks the caller's token: X-Auth-Token, then
// Authorization: Bearer, then the /t/:token path segment, then ?token=.
func tokenFromRequest(c *gin.Context) string {
	if t := strings.TrimSpace(c.GetHeader("X-Auth-Token")); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if t := c.Param("token"); t != "" {
		return t
	}
	return strings.TrimSpace(c.Query("token"))
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.AuthRequired() {
			c.Next()
			return
		}
		if s.cfg.Token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": ErrTokenMissing})
			return
		}
		supplied := tokenFromRequest(c)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": ErrUnauthorized})
			return
		}
		c.Next()
	}
}
