package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Handler exposes authentication endpoints.
type Handler struct {
	service *Service
	cfg     *config.AuthConfig
	logger  *zap.Logger
}

// NewHandler creates the auth handler.
func NewHandler(service *Service, cfg *config.AuthConfig, logger *zap.Logger) *Handler {
	return &Handler{service: service, cfg: cfg, logger: logger}
}

// RegisterRoutes registers auth routes on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/logout", h.Logout)
	api.GET("/whoami-v2", h.WhoAmI)
	api.POST("/auth/tokens", h.CreateToken)
	api.GET("/auth/tokens", h.ListTokens)
	api.DELETE("/auth/tokens/:id", h.RevokeToken)
	api.POST("/orgs/create", h.CreateOrg)
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register creates a new account.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	user, err := h.service.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": user.Name, "email": user.Email})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login opens a session and sets the session cookie.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	session, user, err := h.service.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.SessionCookie, session.ID, int(h.cfg.SessionExpire.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"name": user.Name})
}

// Logout closes the current session.
func (h *Handler) Logout(c *gin.Context) {
	if cookie, err := c.Cookie(h.cfg.SessionCookie); err == nil && cookie != "" {
		if err := h.service.Logout(c.Request.Context(), cookie); err != nil {
			h.logger.Warn("logout failed", zap.Error(err))
		}
	}
	c.SetCookie(h.cfg.SessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// WhoAmI returns the resolved principal, HF style.
func (h *Handler) WhoAmI(c *gin.Context) {
	p := RequirePrincipal(c)
	if p == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":          "user",
		"name":          p.User.Name,
		"email":         p.User.Email,
		"emailVerified": p.User.EmailVerified,
	})
}

type createTokenRequest struct {
	Name string `json:"name"`
}

// CreateToken mints a bearer token; the secret is only shown once.
func (h *Handler) CreateToken(c *gin.Context) {
	p := RequirePrincipal(c)
	if p == nil {
		return
	}
	var req createTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	token, secret, err := h.service.CreateToken(c.Request.Context(), p.User.ID, req.Name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": token.ID, "name": token.Name, "token": secret})
}

// ListTokens lists the caller's tokens (hashes are never returned).
func (h *Handler) ListTokens(c *gin.Context) {
	p := RequirePrincipal(c)
	if p == nil {
		return
	}
	tokens, err := h.service.ListTokens(c.Request.Context(), p.User.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, gin.H{
			"id":        t.ID,
			"name":      t.Name,
			"last_used": t.LastUsed,
			"created":   t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out})
}

// RevokeToken deletes one of the caller's tokens.
func (h *Handler) RevokeToken(c *gin.Context) {
	p := RequirePrincipal(c)
	if p == nil {
		return
	}
	var uri struct {
		ID int64 `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		AbortWithError(c, hub.BadRequest("Invalid token id"))
		return
	}
	if err := h.service.RevokeToken(c.Request.Context(), p.User.ID, uri.ID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type createOrgRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateOrg creates an organization owned by the caller.
func (h *Handler) CreateOrg(c *gin.Context) {
	p := RequirePrincipal(c)
	if p == nil {
		return
	}
	var req createOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	org, err := h.service.CreateOrg(c.Request.Context(), p.User, req.Name, req.Description)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": org.Name, "description": org.Description})
}
