package stats

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kohakuhub/kohakuhub/internal/module/repo"
)

// Repository defines data access for download accounting.
type Repository interface {
	// RecordDownload accounts one file download atomically: the session
	// row is created or bumped, a fresh session increments the owning
	// repository's download counter, and the day's counters follow, all
	// in one transaction.
	RecordDownload(ctx context.Context, s *DownloadSession, date string) (created bool, err error)
	CountSessions(ctx context.Context) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// RollupDaily backfills daily rows for sessions that started before
	// the given boundary, grouped by first-download date. Existing rows
	// are left untouched.
	RollupDaily(ctx context.Context, before time.Time) error
	ListDaily(ctx context.Context, repoID int64, since string) ([]*DailyRepoStats, error)

	DeleteByRepo(ctx context.Context, repoID int64) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates the stats repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) RecordDownload(ctx context.Context, s *DownloadSession, date string) (bool, error) {
	var created bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created = false
		res := tx.Model(&DownloadSession{}).
			Where("repository_id = ? AND session_id = ? AND time_bucket = ?",
				s.RepositoryID, s.SessionID, s.TimeBucket).
			Updates(map[string]any{
				"file_count":       gorm.Expr("file_count + 1"),
				"last_download_at": s.LastDownloadAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(s).Error; err != nil {
				return err
			}
			created = true
		}

		delta := &DailyRepoStats{TotalFiles: 1}
		if created {
			delta.Downloads = 1
			if s.UserID != nil {
				delta.AuthDownloads = 1
			} else {
				delta.AnonDownloads = 1
			}
			if err := repo.NewStore(tx).IncrementDownloads(ctx, s.RepositoryID); err != nil {
				return err
			}
		}
		return upsertDaily(tx, s.RepositoryID, date, delta)
	})
	return created, err
}

// upsertDaily adds the delta's counters onto a repo's row for a date,
// creating the row if absent.
func upsertDaily(tx *gorm.DB, repoID int64, date string, delta *DailyRepoStats) error {
	return tx.
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "repository_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"downloads":      gorm.Expr("downloads + ?", delta.Downloads),
				"auth_downloads": gorm.Expr("auth_downloads + ?", delta.AuthDownloads),
				"anon_downloads": gorm.Expr("anon_downloads + ?", delta.AnonDownloads),
				"total_files":    gorm.Expr("total_files + ?", delta.TotalFiles),
				"updated_at":     time.Now(),
			}),
		}).
		Create(&DailyRepoStats{
			RepositoryID:  repoID,
			Date:          date,
			Downloads:     delta.Downloads,
			AuthDownloads: delta.AuthDownloads,
			AnonDownloads: delta.AnonDownloads,
			TotalFiles:    delta.TotalFiles,
		}).Error
}

func (r *repository) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&DownloadSession{}).Count(&count).Error
	return count, err
}

func (r *repository) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Delete(&DownloadSession{}, "created_at < ?", cutoff)
	return result.RowsAffected, result.Error
}

func (r *repository) RollupDaily(ctx context.Context, before time.Time) error {
	var sessions []*DownloadSession
	if err := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Find(&sessions).Error; err != nil {
		return err
	}

	agg := make(map[string]*DailyRepoStats)
	for _, s := range sessions {
		date := s.CreatedAt.UTC().Format("2006-01-02")
		key := fmt.Sprintf("%d|%s", s.RepositoryID, date)
		row := agg[key]
		if row == nil {
			row = &DailyRepoStats{RepositoryID: s.RepositoryID, Date: date}
			agg[key] = row
		}
		row.Downloads++
		if s.UserID != nil {
			row.AuthDownloads++
		} else {
			row.AnonDownloads++
		}
		row.TotalFiles += s.FileCount
	}

	// Days already counted in real time keep their rows.
	for _, row := range agg {
		if err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "repository_id"}, {Name: "date"}},
				DoNothing: true,
			}).
			Create(row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repository) ListDaily(ctx context.Context, repoID int64, since string) ([]*DailyRepoStats, error) {
	var rows []*DailyRepoStats
	query := r.db.WithContext(ctx).Where("repository_id = ?", repoID)
	if since != "" {
		query = query.Where("date >= ?", since)
	}
	err := query.Order("date ASC").Find(&rows).Error
	return rows, err
}

func (r *repository) DeleteByRepo(ctx context.Context, repoID int64) error {
	if err := r.db.WithContext(ctx).
		Delete(&DownloadSession{}, "repository_id = ?", repoID).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Delete(&DailyRepoStats{}, "repository_id = ?", repoID).Error
}
