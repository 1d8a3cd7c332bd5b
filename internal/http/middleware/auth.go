// README: Firebase ID token authentication and role checks for gin routes.
package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"campusride/internal/identity"
	"campusride/internal/infra"
	"campusride/internal/types"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// Auth verifies the bearer token and stores the caller's uid and role.
// WebSocket clients that cannot set headers may pass access_token instead.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		role, _ := token.Claims["role"].(string)
		c.Set(ctxUID, types.ID(token.UID))
		c.Set(ctxRole, identity.ParseRole(role))
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...identity.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, CallerRole(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: " + string(roles[0]) + " role required"})
			return
		}
		c.Next()
	}
}

func CallerUID(c *gin.Context) types.ID {
	v, _ := c.Get(ctxUID)
	uid, _ := v.(types.ID)
	return uid
}

func CallerRole(c *gin.Context) identity.Role {
	v, _ := c.Get(ctxRole)
	role, _ := v.(identity.Role)
	return role
}

func Caller(c *gin.Context) identity.Identity {
	return identity.Identity{UID: string(CallerUID(c)), Role: CallerRole(c)}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if websocketUpgrade(c) {
		return c.Query("access_token")
	}
	return ""
}

func websocketUpgrade(c *gin.Context) bool {
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}
