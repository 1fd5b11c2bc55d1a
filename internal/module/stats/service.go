package stats

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	"github.com/kohakuhub/kohakuhub/internal/shared/metrics"
)

const anonCookieMaxAge = 86400

// Service implements download accounting: session dedup within a time
// bucket, daily counters and lazy retention cleanup.
type Service struct {
	repo     Repository
	cfg      *config.DownloadsConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	recorded atomic.Int64
}

// NewService creates the stats service. m may be nil.
func NewService(statsRepo Repository, cfg *config.DownloadsConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{repo: statsRepo, cfg: cfg, metrics: m, logger: logger}
}

// SessionID identifies the downloading client: authenticated users by
// account id (userID non-nil), anonymous clients by a 24h cookie minted
// on first download.
func (s *Service) SessionID(c *gin.Context, anonCookie string) (id string, userID *int64) {
	p := auth.GetPrincipal(c)
	if !p.Anonymous() {
		return "user:" + strconv.FormatInt(p.User.ID, 10), &p.User.ID
	}
	if cookie, err := c.Cookie(anonCookie); err == nil && cookie != "" {
		return "anon:" + cookie, nil
	}
	fresh := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(anonCookie, fresh, anonCookieMaxAge, "/", "", false, true)
	return "anon:" + fresh, nil
}

// Record accounts one file download. The first download of a session in
// the current time bucket counts as a repository download; repeats within
// the bucket only raise the session's and the day's file counts. Session,
// repository and daily counters commit or roll back together.
func (s *Service) Record(ctx context.Context, r *repo.Repository, sessionID, path string, userID *int64) error {
	now := time.Now().UTC()
	bucket := now.Unix() / int64(s.cfg.TimeBucket.Seconds())

	created, err := s.repo.RecordDownload(ctx, &DownloadSession{
		RepositoryID:   r.ID,
		SessionID:      sessionID,
		TimeBucket:     bucket,
		UserID:         userID,
		FirstPath:      path,
		LastDownloadAt: now,
	}, now.Format("2006-01-02"))
	if err != nil {
		return err
	}
	if created && s.metrics != nil {
		s.metrics.DownloadSessionsTotal.WithLabelValues(
			string(r.RepoType), strconv.FormatBool(userID != nil)).Inc()
	}

	s.maybeCleanup(ctx)
	return nil
}

// RecordAsync accounts a download off the request path. Failures are
// logged, never surfaced to the downloader.
func (s *Service) RecordAsync(r *repo.Repository, sessionID, path string, userID *int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, r, sessionID, path, userID); err != nil {
			s.logger.Warn("download accounting failed",
				zap.String("repo", r.FullID()), zap.Error(err))
		}
	}()
}

// maybeCleanup prunes expired session rows once enough records have gone
// through to make a count check worthwhile. Before pruning, daily rows
// are backfilled for any day the pruned sessions would otherwise take
// with them.
func (s *Service) maybeCleanup(ctx context.Context) {
	if s.recorded.Add(1)%int64(s.cfg.CleanupThreshold) != 0 {
		return
	}
	count, err := s.repo.CountSessions(ctx)
	if err != nil || count < int64(s.cfg.CleanupThreshold) {
		return
	}
	if err := s.Rollup(ctx); err != nil {
		s.logger.Warn("daily stats rollup failed", zap.Error(err))
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.KeepSessionsDays)
	deleted, err := s.repo.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("session cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("expired download sessions pruned", zap.Int64("deleted", deleted))
	}
}

// Rollup backfills daily rows for every UTC day before today from the
// session table. Days already counted in real time are left alone.
func (s *Service) Rollup(ctx context.Context) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	return s.repo.RollupDaily(ctx, today)
}

// Daily returns the daily download series of a repository since a date
// (inclusive, YYYY-MM-DD); empty since returns the full series.
func (s *Service) Daily(ctx context.Context, repoID int64, since string) ([]*DailyRepoStats, error) {
	return s.repo.ListDaily(ctx, repoID, since)
}

// Forget drops all accounting rows of a repository.
func (s *Service) Forget(ctx context.Context, repoID int64) error {
	return s.repo.DeleteByRepo(ctx, repoID)
}
