package stats

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Handler exposes the download statistics endpoints.
type Handler struct {
	service *Service
	repos   *repo.Service
	logger  *zap.Logger
}

// NewHandler creates the stats handler.
func NewHandler(service *Service, repos *repo.Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, repos: repos, logger: logger}
}

// RegisterRoutes registers stats routes on the API group.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	for plural, repoType := range repo.PluralTypes {
		api.GET("/"+plural+"/:namespace/:name/downloads", h.daily(repoType))
	}
}

func (h *Handler) daily(repoType repo.RepoType) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := auth.GetPrincipal(c)
		r, err := h.repos.GetForRead(c.Request.Context(), p, repoType,
			c.Param("namespace"), c.Param("name"))
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}

		since := c.Query("since")
		if since != "" && !dateRe.MatchString(since) {
			auth.AbortWithError(c, hub.BadRequest("since must be YYYY-MM-DD"))
			return
		}

		rows, err := h.service.Daily(c.Request.Context(), r.ID, since)
		if err != nil {
			auth.AbortWithError(c, err)
			return
		}
		daily := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			daily = append(daily, gin.H{
				"date":          row.Date,
				"downloads":     row.Downloads,
				"authenticated": row.AuthDownloads,
				"anonymous":     row.AnonDownloads,
				"total_files":   row.TotalFiles,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"id":        r.FullID(),
			"downloads": r.Downloads,
			"daily":     daily,
		})
	}
}
