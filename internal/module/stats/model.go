package stats

import "time"

// DownloadSession coalesces downloads from one client within one time
// bucket. file_count tracks how many files the session fetched;
// created_at is the first download, last_download_at the most recent.
type DownloadSession struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	RepositoryID   int64  `gorm:"not null;uniqueIndex:idx_session_repo_sid_bucket"`
	SessionID      string `gorm:"not null;uniqueIndex:idx_session_repo_sid_bucket"`
	TimeBucket     int64  `gorm:"not null;uniqueIndex:idx_session_repo_sid_bucket"`
	UserID         *int64 `gorm:"index"`
	FileCount      int64  `gorm:"not null;default:1"`
	FirstPath      string
	CreatedAt      time.Time
	LastDownloadAt time.Time
}

// TableName returns the database table name.
func (DownloadSession) TableName() string { return "download_sessions" }

// DailyRepoStats is one repository's download counters for one UTC day.
// Downloads counts distinct sessions, split into authenticated and
// anonymous; TotalFiles counts every file fetch. Today's row is kept
// current in real time, older rows are backfilled by rollup before
// session pruning.
type DailyRepoStats struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	RepositoryID  int64  `gorm:"not null;uniqueIndex:idx_daily_repo_date"`
	Date          string `gorm:"not null;uniqueIndex:idx_daily_repo_date"` // YYYY-MM-DD, UTC
	Downloads     int64  `gorm:"not null;default:0"`
	AuthDownloads int64  `gorm:"not null;default:0"`
	AnonDownloads int64  `gorm:"not null;default:0"`
	TotalFiles    int64  `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName returns the database table name.
func (DailyRepoStats) TableName() string { return "daily_repo_stats" }
