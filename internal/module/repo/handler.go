package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Fallback resolves metadata from federated upstream sources when a
// repository does not exist locally. Implementations return the upstream
// response body verbatim.
type Fallback interface {
	RepoInfo(ctx context.Context, repoType, id, revision string) ([]byte, error)
	Tree(ctx context.Context, repoType, id, revision, path string, recursive bool) ([]byte, error)
	PathsInfo(ctx context.Context, repoType, id, revision string, body []byte) ([]byte, error)
	ListRepos(ctx context.Context, repoType, author string, limit int) ([]map[string]any, error)
}

// Handler exposes the registry endpoints.
type Handler struct {
	service  *Service
	fallback Fallback
	logger   *zap.Logger
}

// NewHandler creates the registry handler. fallback may be nil.
func NewHandler(service *Service, fallback Fallback, logger *zap.Logger) *Handler {
	return &Handler{service: service, fallback: fallback, logger: logger}
}

// PluralTypes maps URL segments to repo types.
var PluralTypes = map[string]RepoType{
	"models":   TypeModel,
	"datasets": TypeDataset,
	"spaces":   TypeSpace,
}

// RegisterRoutes registers registry routes on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/repos/create", h.Create)
	api.DELETE("/repos/delete", h.Delete)
	api.POST("/repos/move", h.Move)

	for plural, repoType := range PluralTypes {
		g := api.Group("/" + plural)
		g.GET("", h.list(repoType))
		g.GET("/:namespace/:name", h.info(repoType))
		g.GET("/:namespace/:name/revision/:revision", h.info(repoType))
		g.GET("/:namespace/:name/refs", h.refs(repoType))
		g.GET("/:namespace/:name/commits/:revision", h.commits(repoType))
		g.GET("/:namespace/:name/tree/:revision/*path", h.tree(repoType))
		g.POST("/:namespace/:name/paths-info/:revision", h.pathsInfo(repoType))
		g.POST("/:namespace/:name/like", h.like(repoType))
		g.GET("/:namespace/:name/like", h.liked(repoType))
		g.DELETE("/:namespace/:name/like", h.unlike(repoType))
		g.GET("/:namespace/:name/likers", h.likers(repoType))
	}
}

func fallbackWanted(c *gin.Context) bool {
	return c.Query("fallback") != "false"
}

func (h *Handler) Create(c *gin.Context) {
	p := auth.GetPrincipal(c)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		auth.AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	r, err := h.service.Create(c.Request.Context(), p, &req)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":  "/" + string(r.RepoType) + "s/" + r.FullID(),
		"name": r.FullID(),
	})
}

func (h *Handler) Delete(c *gin.Context) {
	p := auth.GetPrincipal(c)
	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		auth.AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	repoType, ok := ParseType(req.Type)
	if !ok {
		auth.AbortWithError(c, hub.InvalidRepoType(req.Type))
		return
	}
	namespace := req.Organization
	if namespace == "" && !p.Anonymous() {
		namespace = p.User.Name
	}
	if err := h.service.Delete(c.Request.Context(), p, repoType, namespace, req.Name); err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) Move(c *gin.Context) {
	p := auth.GetPrincipal(c)
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		auth.AbortWithError(c, hub.BadRequest("Invalid request body"))
		return
	}
	r, err := h.service.Move(c.Request.Context(), p, &req)
	if err != nil {
		auth.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": "/" + string(r.RepoType) + "s/" + r.FullID()})
}

func (h *Handler) list(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		author := c.Query("author")
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		repos, err := h.service.List(c.Request.Context(), p, repoType, author, limit)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}

		items := make([]map[string]any, 0, len(repos))
		for _, r := range repos {
			items = append(items, map[string]any{
				"id":        r.FullID(),
				"author":    r.Namespace,
				"private":   r.Private,
				"downloads": r.Downloads,
				"likes":     r.LikesCount,
				"createdAt": r.CreatedAt,
				"_source":   "local",
			})
		}

		if h.fallback != nil && fallbackWanted(c) {
			remote, err := h.fallback.ListRepos(c.Request.Context(), string(repoType), author, limit)
			if err != nil {
				h.logger.Debug("fallback list failed", zap.Error(err))
			} else {
				items = mergeListings(items, remote, limit)
			}
		}
		c.JSON(http.StatusOK, items)
	}
}

// mergeListings merges remote entries into local ones; a local repo wins
// over a remote entry with the same id. The limit applies after merging.
func mergeListings(local, remote []map[string]any, limit int) []map[string]any {
	seen := make(map[string]bool, len(local))
	for _, item := range local {
		if id, ok := item["id"].(string); ok {
			seen[id] = true
		}
	}
	merged := local
	for _, item := range remote {
		id, ok := item["id"].(string)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, item)
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func (h *Handler) info(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		namespace, name := c.Param("namespace"), c.Param("name")
		revision := c.Param("revision")

		info, err := h.service.Info(c.Request.Context(), p, repoType, namespace, name, revision)
		if err != nil {
			if h.fallback != nil && fallbackWanted(c) && hub.IsNotFound(err) {
				body, ferr := h.fallback.RepoInfo(c.Request.Context(), string(repoType), namespace+"/"+name, revision)
				if ferr == nil {
					c.Data(http.StatusOK, "application/json", body)
					return
				}
			}
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func (h *Handler) refs(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		refs, err := h.service.Refs(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, refs)
	}
}

func (h *Handler) commits(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		commits, err := h.service.Commits(c.Request.Context(), p, repoType,
			c.Param("namespace"), c.Param("name"), c.Param("revision"), 100)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, commits)
	}
}

func (h *Handler) tree(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		namespace, name := c.Param("namespace"), c.Param("name")
		revision := c.Param("revision")
		path := strings.TrimPrefix(c.Param("path"), "/")
		recursive := c.Query("recursive") == "true"

		entries, err := h.service.Tree(c.Request.Context(), p, repoType, namespace, name, revision, path, recursive)
		if err != nil {
			if h.fallback != nil && fallbackWanted(c) && hub.IsNotFound(err) {
				body, ferr := h.fallback.Tree(c.Request.Context(), string(repoType), namespace+"/"+name, revision, path, recursive)
				if ferr == nil {
					c.Data(http.StatusOK, "application/json", body)
					return
				}
			}
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type pathsInfoRequest struct {
	Paths  []string `json:"paths" form:"paths"`
	Expand bool     `json:"expand" form:"expand"`
}

func (h *Handler) pathsInfo(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		namespace, name := c.Param("namespace"), c.Param("name")
		revision := c.Param("revision")

		var req pathsInfoRequest
		if err := c.ShouldBind(&req); err != nil {
			auth.AbortWithError(c, hub.BadRequest("Invalid request body"))
			return
		}

		entries, err := h.service.PathsInfo(c.Request.Context(), p, repoType, namespace, name, revision, req.Paths)
		if err != nil {
			if h.fallback != nil && fallbackWanted(c) && hub.IsNotFound(err) {
				raw, _ := json.Marshal(req)
				body, ferr := h.fallback.PathsInfo(c.Request.Context(), string(repoType), namespace+"/"+name, revision, raw)
				if ferr == nil {
					c.Data(http.StatusOK, "application/json", body)
					return
				}
			}
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func (h *Handler) like(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		err := h.service.Like(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handler) liked(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		liked, err := h.service.Liked(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"liked": liked})
	}
}

func (h *Handler) unlike(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		err := h.service.Unlike(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handler) likers(repoType RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		names, err := h.service.Likers(c.Request.Context(), p, repoType, c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		out := make([]gin.H, 0, len(names))
		for _, n := range names {
			out = append(out, gin.H{"user": n})
		}
		c.JSON(http.StatusOK, out)
	}
}
