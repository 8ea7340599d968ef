package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-storefront-payments/internal/payments"
)

const callerKey = "caller"

// roleAdmin is the authorizer role allowed to override order status.
const roleAdmin = "admin"

// authenticate resolves the caller from the API Gateway authorizer claims.
// With trustHeader set, X-User-Id / X-User-Role are accepted instead; that
// is only safe behind a gateway that strips them.
func authenticate(trustHeader bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerFromGateway(c.Request.Context())
		if !ok && trustHeader {
			caller = payments.Caller{
				UserID: c.GetHeader("X-User-Id"),
				Admin:  strings.EqualFold(c.GetHeader("X-User-Role"), roleAdmin),
			}
			ok = caller.UserID != ""
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED"})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func requireAdmin(c *gin.Context) {
	if !callerOf(c).Admin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "FORBIDDEN"})
		return
	}
	c.Next()
}

func callerOf(c *gin.Context) payments.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(payments.Caller)
	return caller
}

func callerFromGateway(ctx context.Context) (payments.Caller, bool) {
	reqCtx, ok := core.GetAPIGatewayContextFromContext(ctx)
	if !ok || reqCtx.Authorizer == nil {
		return payments.Caller{}, false
	}
	claims := reqCtx.Authorizer
	// Cognito user pool authorizers nest the token claims
	if nested, ok := reqCtx.Authorizer["claims"].(map[string]interface{}); ok {
		claims = nested
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = reqCtx.Authorizer["principalId"].(string)
	}
	if sub == "" {
		return payments.Caller{}, false
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role, _ = claims["custom:role"].(string)
	}
	return payments.Caller{UserID: sub, Admin: strings.EqualFold(role, roleAdmin)}, true
}
