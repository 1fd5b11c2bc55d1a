package quota

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Handler exposes quota endpoints.
type Handler struct {
	service *Service
	auth    *auth.Service
	logger  *zap.Logger
}

// NewHandler creates the quota handler.
func NewHandler(service *Service, authSvc *auth.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, auth: authSvc, logger: logger}
}

// RegisterRoutes registers quota routes on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/quota/:namespace", h.Usage)
	api.POST("/quota/:namespace/recalculate", h.Recalculate)
}

// canView reports whether the principal may inspect a namespace's usage:
// the namespace itself, or any org they belong to.
func (h *Handler) canView(c *gin.Context, p *auth.Principal, namespace string) bool {
	if p.Anonymous() {
		return false
	}
	if auth.NormalizeName(namespace) == p.User.NormalizedName {
		return true
	}
	owner, role, err := h.auth.NamespaceRole(c.Request.Context(), p, namespace)
	if err != nil {
		return false
	}
	return owner || role != auth.RoleVisitor
}

// Usage returns the storage usage document for a namespace.
func (h *Handler) Usage(c *gin.Context) {
	p := auth.RequirePrincipal(c)
	if p == nil {
		return
	}
	namespace := c.Param("namespace")
	if !h.canView(c, p, namespace) {
		auth.AbortWithError(c, hub.Forbidden(""))
		return
	}
	usage, err := h.service.Usage(c.Request.Context(), namespace)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

// Recalculate rebuilds the namespace's usage counters from the registry.
func (h *Handler) Recalculate(c *gin.Context) {
	p := auth.RequirePrincipal(c)
	if p == nil {
		return
	}
	namespace := c.Param("namespace")
	if !h.canView(c, p, namespace) {
		auth.AbortWithError(c, hub.Forbidden(""))
		return
	}
	usage, err := h.service.Recalculate(c.Request.Context(), namespace)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}
