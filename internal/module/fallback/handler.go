package fallback

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Handler exposes fallback source administration.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates the fallback handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes registers fallback admin routes on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/fallback/sources", h.ListSources)
	api.POST("/fallback/sources", h.AddSource)
	api.DELETE("/fallback/sources/:id", h.RemoveSource)
	api.GET("/fallback/cache", h.CacheStats)
	api.DELETE("/fallback/cache", h.ClearCache)
}

// ListSources lists configured upstream sources.
func (h *Handler) ListSources(c *gin.Context) {
	if auth.RequirePrincipal(c) == nil {
		return
	}
	sources, err := h.service.Sources(c.Request.Context())
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

type addSourceRequest struct {
	Name      string `json:"name" binding:"required"`
	Kind      string `json:"kind"`
	Endpoint  string `json:"endpoint" binding:"required"`
	Namespace string `json:"namespace"`
	Token     string `json:"token"`
	Priority  int    `json:"priority"`
}

// AddSource registers an upstream source.
func (h *Handler) AddSource(c *gin.Context) {
	if auth.RequirePrincipal(c) == nil {
		return
	}
	var req addSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		auth.AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	source := &Source{
		Name:      req.Name,
		Kind:      req.Kind,
		Endpoint:  req.Endpoint,
		Namespace: req.Namespace,
		Token:     req.Token,
		Priority:  req.Priority,
		Enabled:   true,
	}
	if err := h.service.AddSource(c.Request.Context(), source); err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, source)
}

// RemoveSource deletes an upstream source.
func (h *Handler) RemoveSource(c *gin.Context) {
	if auth.RequirePrincipal(c) == nil {
		return
	}
	var uri struct {
		ID int64 `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		auth.AbortWithError(c, hub.BadRequest("Invalid source id"))
		return
	}
	if err := h.service.RemoveSource(c.Request.Context(), uri.ID); err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CacheStats reports route cache effectiveness.
func (h *Handler) CacheStats(c *gin.Context) {
	if auth.RequirePrincipal(c) == nil {
		return
	}
	c.JSON(http.StatusOK, h.service.CacheStats())
}

// ClearCache drops every cached route.
func (h *Handler) ClearCache(c *gin.Context) {
	if auth.RequirePrincipal(c) == nil {
		return
	}
	h.service.ClearCache()
	c.JSON(http.StatusOK, gin.H{"success": true})
}
