package app

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kohakuhub/kohakuhub/internal/lakefs"
	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/fallback"
	"github.com/kohakuhub/kohakuhub/internal/module/gitbridge"
	"github.com/kohakuhub/kohakuhub/internal/module/lfs"
	"github.com/kohakuhub/kohakuhub/internal/module/quota"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/module/stats"
	"github.com/kohakuhub/kohakuhub/internal/module/upload"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	"github.com/kohakuhub/kohakuhub/internal/shared/database"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
	"github.com/kohakuhub/kohakuhub/internal/shared/metrics"
	"github.com/kohakuhub/kohakuhub/internal/shared/middleware"
	"github.com/kohakuhub/kohakuhub/internal/storage"
)

// App is the assembled server.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine
}

// New wires every component from configuration.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, err
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db,
		&auth.User{}, &auth.Organization{}, &auth.Membership{},
		&auth.Session{}, &auth.Token{},
		&repo.Repository{}, &repo.File{}, &repo.Commit{},
		&repo.StagingUpload{}, &repo.LFSObjectHistory{}, &repo.RepositoryLike{},
		&stats.DownloadSession{}, &stats.DailyRepoStats{},
		&fallback.Source{},
	); err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	s3, err := storage.New(&cfg.S3)
	if err != nil {
		return nil, err
	}
	lake := lakefs.New(&cfg.LakeFS)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("kohakuhub", registry)

	// Services.
	authRepo := auth.NewRepository(db)
	authSvc := auth.NewService(authRepo, &cfg.Auth, log)

	repoStore := repo.NewStore(db)
	repoSvc := repo.NewService(repoStore, authSvc, lake, s3, cfg, log)

	quotaCache := quota.NewCache(rdb, log)
	quotaSvc := quota.NewService(repoStore, authSvc, quotaCache, &cfg.Quota, log)

	statsSvc := stats.NewService(stats.NewRepository(db), &cfg.Downloads, m, log)
	repoSvc.SetAccounting(statsSvc)

	var fallbackSvc *fallback.Service
	if cfg.Fallback.Enabled {
		fallbackSvc = fallback.NewService(fallback.NewRepository(db), &cfg.Fallback, m, log)
	}

	uploadSvc := upload.NewService(repoSvc, lake, s3, quotaSvc, cfg, m, log)
	lfsSvc := lfs.NewService(s3, repoStore, quotaSvc, cfg, log)
	gitSvc := gitbridge.NewService(repoSvc, lake, cfg, log)

	// Router.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.Metrics(m))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Accept"}
	corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"}
	corsCfg.ExposeHeaders = []string{"X-Repo-Commit", "X-Error-Code", "X-Linked-Etag", "X-Linked-Size", "ETag"}
	router.Use(cors.New(corsCfg))

	router.Use(authSvc.Middleware())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	auth.NewHandler(authSvc, &cfg.Auth, log).RegisterRoutes(api)
	quota.NewHandler(quotaSvc, authSvc, log).RegisterRoutes(api)

	var repoFallback repo.Fallback
	var uploadFallback upload.Fallback
	if fallbackSvc != nil {
		repoFallback = fallbackSvc
		uploadFallback = fallbackSvc
		fallback.NewHandler(fallbackSvc, log).RegisterRoutes(api)
	}
	repo.NewHandler(repoSvc, repoFallback, log).RegisterRoutes(api)
	stats.NewHandler(statsSvc, repoSvc, log).RegisterRoutes(api)

	uploadHandler := upload.NewHandler(uploadSvc, repoSvc, statsSvc, uploadFallback, cfg, log)
	uploadHandler.RegisterRoutes(api)
	uploadHandler.RegisterResolveRoutes(router)

	lfs.NewHandler(lfsSvc, repoSvc, log).RegisterRoutes(router)
	gitbridge.NewHandler(gitSvc, repoSvc, log).RegisterRoutes(router)

	return &App{
		Config: cfg,
		Logger: log,
		db:     db,
		rdb:    rdb,
		router: router,
	}, nil
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Stop releases held resources.
func (a *App) Stop() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.Logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.Logger.Warn("database close failed", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
