package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// PrincipalKey is the gin context key for the resolved principal.
const PrincipalKey = "principal"

// Middleware resolves the caller from a session cookie, a Bearer token, or
// Basic auth (the password field carries the bearer secret, as git clients
// send it). Resolution never aborts; handlers decide what anonymity means.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := &Principal{}

		if header := c.GetHeader("Authorization"); header != "" {
			switch {
			case strings.HasPrefix(header, "Bearer "):
				secret := strings.TrimPrefix(header, "Bearer ")
				principal, _ = s.ResolveToken(c.Request.Context(), secret)
			case strings.HasPrefix(header, "Basic "):
				if _, password, ok := c.Request.BasicAuth(); ok && password != "" {
					principal, _ = s.ResolveToken(c.Request.Context(), password)
				}
			}
		}

		if principal.Anonymous() {
			if cookie, err := c.Cookie(s.cfg.SessionCookie); err == nil && cookie != "" {
				principal, _ = s.ResolveSession(c.Request.Context(), cookie)
			}
		}

		c.Set(PrincipalKey, principal)
		c.Next()
	}
}

// GetPrincipal returns the resolved principal from the gin context.
func GetPrincipal(c *gin.Context) *Principal {
	if val, ok := c.Get(PrincipalKey); ok {
		if p, ok := val.(*Principal); ok {
			return p
		}
	}
	return &Principal{}
}

// RequirePrincipal aborts with 401 when the caller is anonymous.
func RequirePrincipal(c *gin.Context) *Principal {
	p := GetPrincipal(c)
	if p.Anonymous() {
		AbortWithError(c, hub.Unauthorized(""))
		return nil
	}
	return p
}

// AbortWithError writes an HF-shaped error response and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	he := hub.AsHub(err)
	c.Header("X-Error-Code", he.Header())
	c.AbortWithStatusJSON(he.StatusCode, he.ToResponse())
}
