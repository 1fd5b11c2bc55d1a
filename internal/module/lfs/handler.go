package lfs

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Handler exposes the git-lfs batch API.
type Handler struct {
	service *Service
	repos   *repo.Service
	logger  *zap.Logger
}

// NewHandler creates the LFS handler.
func NewHandler(service *Service, repos *repo.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, repos: repos, logger: logger}
}

// RegisterRoutes registers LFS routes at the site root. Models omit the
// type prefix, datasets and spaces carry one, matching git remote URLs.
func (h *Handler) RegisterRoutes(root gin.IRouter) {
	root.POST("/:namespace/:name/info/lfs/objects/batch", h.batch(repo.TypeModel))
	root.POST("/:namespace/:name/info/lfs/verify", h.verify(repo.TypeModel))
	root.POST("/datasets/:namespace/:name/info/lfs/objects/batch", h.batch(repo.TypeDataset))
	root.POST("/datasets/:namespace/:name/info/lfs/verify", h.verify(repo.TypeDataset))
	root.POST("/spaces/:namespace/:name/info/lfs/objects/batch", h.batch(repo.TypeSpace))
	root.POST("/spaces/:namespace/:name/info/lfs/verify", h.verify(repo.TypeSpace))
}

// repoName strips the ".git" remote suffix git clients append.
func repoName(raw string) string {
	return strings.TrimSuffix(raw, ".git")
}

func (h *Handler) batch(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		r, err := h.repos.GetForRead(c.Request.Context(), p, repoType,
			c.Param("namespace"), repoName(c.Param("name")))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}

		var req BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			auth.AbortWithError(c, hub.BadRequest("Invalid batch request"))
			return
		}
		if req.Operation == "upload" {
			if err := h.repos.CheckWrite(c.Request.Context(), p, r); err != nil {
				auth.AbortWithError(c, err)
				return
			}
		}

		resp, err := h.service.Batch(c.Request.Context(), r, &req)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.Header("Content-Type", MediaType)
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) verify(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		r, err := h.repos.GetForRead(c.Request.Context(), p, repoType,
			c.Param("namespace"), repoName(c.Param("name")))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		if err := h.repos.CheckWrite(c.Request.Context(), p, r); err != nil {
			auth.AbortWithError(c, err)
			return
		}

		var ref ObjectRef
		if err := c.ShouldBindJSON(&ref); err != nil {
			auth.AbortWithError(c, hub.BadRequest("Invalid verify request"))
			return
		}
		if err := h.service.Verify(c.Request.Context(), &ref); err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.Header("Content-Type", MediaType)
		c.JSON(http.StatusOK, gin.H{})
	}
}
