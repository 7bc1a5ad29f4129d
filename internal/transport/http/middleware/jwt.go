package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"aiknowledge/internal/pkg/jwtutil"
	"aiknowledge/internal/transport/http/response"
)

const (
	ContextOrgIDKey  = "org_id"
	ContextUserIDKey = "user_id"
)

func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		claims, err := jwtutil.ParseToken(secret, token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextOrgIDKey, claims.OrgID)
		c.Set(ContextUserIDKey, claims.UserID)
		c.Next()
	}
}
