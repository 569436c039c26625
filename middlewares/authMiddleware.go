package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eutimioliusbel/pfamirror/utils"
)

// AuthMiddleware validates the bearer token and stashes the caller identity
// in the request context. Requests without a token pass through anonymous;
// handlers that need an identity reject them there.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		token := auth[len(bearer):]

		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claim, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		ctx = utils.SetTenantIdInContext(ctx, claim.TenantId)
		ctx = utils.SetCallerIdInContext(ctx, claim.CallerId)
		ctx = utils.SetCallerRoleInContext(ctx, claim.Role)
		ctx = utils.SetIsAdminInContext(ctx, claim.IsAdmin)
		ctx = utils.SetTokenInContext(ctx, token)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
