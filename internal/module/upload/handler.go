package upload

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/module/stats"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/storage"
)

// Fallback redirects downloads of repositories that only exist upstream.
type Fallback interface {
	ResolveURL(ctx context.Context, repoType, id, revision, filePath string) (string, error)
}

// Handler exposes the upload pipeline and file resolution endpoints.
type Handler struct {
	service  *Service
	repos    *repo.Service
	stats    *stats.Service
	fallback Fallback
	cfg      *config.Config
	logger   *zap.Logger
}

// NewHandler creates the upload handler. fallback may be nil.
func NewHandler(service *Service, repos *repo.Service, statsSvc *stats.Service, fallback Fallback, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		repos:    repos,
		stats:    statsSvc,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRoutes registers preupload and commit routes on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	for plural, repoType := range repo.PluralTypes {
		g := api.Group("/" + plural)
		g.POST("/:namespace/:name/preupload/:revision", h.preupload(repoType))
		g.POST("/:namespace/:name/commit/:revision", h.commit(repoType))
	}
}

// RegisterResolveRoutes registers download resolution at the site root,
// HF style: models resolve without a type prefix, other types with one.
func (h *Handler) RegisterResolveRoutes(root gin.IRouter) {
	root.GET("/:namespace/:name/resolve/:revision/*path", h.resolve(repo.TypeModel))
	root.HEAD("/:namespace/:name/resolve/:revision/*path", h.resolve(repo.TypeModel))
	root.GET("/datasets/:namespace/:name/resolve/:revision/*path", h.resolve(repo.TypeDataset))
	root.HEAD("/datasets/:namespace/:name/resolve/:revision/*path", h.resolve(repo.TypeDataset))
	root.GET("/spaces/:namespace/:name/resolve/:revision/*path", h.resolve(repo.TypeSpace))
	root.HEAD("/spaces/:namespace/:name/resolve/:revision/*path", h.resolve(repo.TypeSpace))
}

func (h *Handler) preupload(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		r, err := h.repos.GetForRead(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		if err := h.repos.CheckWrite(c.Request.Context(), p, r); err != nil {
			auth.AbortWithError(c, err)
			return
		}

		var req PreuploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			auth.AbortWithError(c, hub.BadRequest("Invalid request body"))
			return
		}
		resp, err := h.service.Preupload(c.Request.Context(), p, r, c.Param("revision"), &req)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) commit(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		r, err := h.repos.GetForRead(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		if err := h.repos.CheckWrite(c.Request.Context(), p, r); err != nil {
			auth.AbortWithError(c, err)
			return
		}

		resp, err := h.service.Commit(c.Request.Context(), p, r, c.Param("revision"), c.Request.Body)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handler) resolve(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		namespace, name := c.Param("namespace"), c.Param("name")
		revision := c.Param("revision")
		filePath := strings.TrimPrefix(c.Param("path"), "/")
		isGet := c.Request.Method == http.MethodGet

		r, err := h.repos.GetForRead(c.Request.Context(), p, repoType, namespace, name)
		if err != nil {
			if h.fallback != nil && hub.IsNotFound(err) && c.Query("fallback") != "false" {
				url, ferr := h.fallback.ResolveURL(c.Request.Context(),
					string(repoType), namespace+"/"+name, revision, filePath)
				if ferr == nil {
					c.Redirect(http.StatusFound, url)
					return
				}
			}
			auth.AbortWithError(c, err)
			return
		}

		res, err := h.service.Resolve(c.Request.Context(), r, revision, filePath, isGet)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}

		c.Header("X-Repo-Commit", res.CommitID)
		c.Header("ETag", res.ETag)
		c.Header("Accept-Ranges", "bytes")
		c.Header("Content-Disposition", storage.ContentDisposition(path.Base(filePath)))
		if res.ContentType != "" {
			c.Header("Content-Type", res.ContentType)
		}
		if !res.LastModified.IsZero() {
			c.Header("Last-Modified", res.LastModified.Format(http.TimeFormat))
		}
		if res.LFS {
			c.Header("X-Linked-Etag", res.Sha256)
			c.Header("X-Linked-Size", strconv.FormatInt(res.Size, 10))
		}

		if !isGet {
			c.Header("Content-Length", strconv.FormatInt(res.Size, 10))
			c.Status(http.StatusOK)
			return
		}

		sessionID, userID := h.stats.SessionID(c, h.cfg.Auth.AnonCookie)
		h.stats.RecordAsync(r, sessionID, filePath, userID)
		c.Redirect(http.StatusFound, res.URL)
	}
}
