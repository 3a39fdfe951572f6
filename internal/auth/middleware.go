package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	claimsContextKey = "auth.claims"

	RequestIDHeader = "X-Request-ID"
	RequestIDKey    = "request_id"
)

// ClaimsFrom returns the verified claims RequireAuth stored on the request.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// RequireAuth verifies the bearer token and stores its claims for the
// handlers behind it.
func RequireAuth(j JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireAdmin sits behind RequireAuth on admin routes.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		if !claims.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    http.StatusForbidden,
				"message": "admin access required",
				"reason":  "role_not_permitted",
			})
			return
		}
		c.Next()
	}
}

// RequestID tags every request for log correlation, keeping a caller-supplied
// id when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    http.StatusUnauthorized,
		"message": msg,
		"reason":  "unauthorized",
	})
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
