package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/pkg/response"
)

// ContextIdentity is the gin context key holding the caller's auth.Identity.
const ContextIdentity = "identity"

// TokenValidator turns a bearer token into a caller identity.
type TokenValidator interface {
	Identity(token string) (auth.Identity, error)
}

// JWT returns a middleware that validates the bearer token and stores the
// caller identity in the context.
func JWT(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		id, err := validator.Identity(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentity, id)
		c.Next()
	}
}

// Identity returns the caller identity set by JWT.
func Identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok && !id.IsZero()
}
