package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
)

func testService(t *testing.T) (*Service, repo.Store, *repo.Repository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&repo.Repository{}, &repo.File{}, &repo.Commit{}, &repo.StagingUpload{},
		&repo.LFSObjectHistory{}, &repo.RepositoryLike{},
		&DownloadSession{}, &DailyRepoStats{}))

	store := repo.NewStore(db)
	owner := int64(1)
	r := &repo.Repository{RepoType: repo.TypeModel, Namespace: "alice", Name: "bert", OwnerUserID: &owner}
	require.NoError(t, store.Create(context.Background(), r))

	cfg := &config.DownloadsConfig{
		TimeBucket:       15 * time.Minute,
		CleanupThreshold: 100000,
		KeepSessionsDays: 2,
	}
	return NewService(NewRepository(db), cfg, nil, logger.Nop()), store, r
}

func userID(id int64) *int64 { return &id }

func TestRecord_SessionDedup(t *testing.T) {
	svc, store, r := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, r, "anon:s1", "config.json", nil))
	require.NoError(t, svc.Record(ctx, r, "anon:s1", "model.safetensors", nil))

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Downloads, "repeat within bucket is not a new download")

	var session DownloadSession
	require.NoError(t, svc.repo.(*repository).db.
		Where("repository_id = ? AND session_id = ?", r.ID, "anon:s1").
		First(&session).Error)
	assert.Equal(t, int64(2), session.FileCount)
	assert.Equal(t, "config.json", session.FirstPath)
	assert.Nil(t, session.UserID)

	t.Run("another session counts", func(t *testing.T) {
		require.NoError(t, svc.Record(ctx, r, "user:9", "config.json", userID(9)))
		got, err := store.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Downloads)
	})

	t.Run("daily counters follow", func(t *testing.T) {
		rows, err := svc.Daily(ctx, r.ID, "")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, time.Now().UTC().Format("2006-01-02"), rows[0].Date)
		assert.Equal(t, int64(2), rows[0].Downloads)
		assert.Equal(t, int64(1), rows[0].AuthDownloads)
		assert.Equal(t, int64(1), rows[0].AnonDownloads)
		assert.Equal(t, int64(3), rows[0].TotalFiles)
	})
}

func TestRecord_NewBucketCountsAgain(t *testing.T) {
	svc, store, r := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, r, "anon:s1", "config.json", nil))

	// Age the session row into a previous bucket.
	bucket := time.Now().UTC().Unix() / int64(svc.cfg.TimeBucket.Seconds())
	require.NoError(t, svc.repo.(*repository).db.
		Model(&DownloadSession{}).
		Where("repository_id = ?", r.ID).
		Update("time_bucket", bucket-1).Error)

	require.NoError(t, svc.Record(ctx, r, "anon:s1", "config.json", nil))

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Downloads)
}

func TestRecord_RollsBackAsOne(t *testing.T) {
	svc, store, r := testService(t)
	ctx := context.Background()

	// Break the last step of the transaction. The session row and the
	// repository counter written before it must roll back with it.
	db := svc.repo.(*repository).db
	require.NoError(t, db.Migrator().DropTable(&DailyRepoStats{}))

	require.Error(t, svc.Record(ctx, r, "anon:s1", "config.json", nil))

	count, err := svc.repo.CountSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "session row rolled back")

	got, err := store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Downloads, "download counter rolled back")
}

func TestRollupDaily(t *testing.T) {
	svc, _, r := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, r, "anon:s1", "config.json", nil))
	require.NoError(t, svc.Record(ctx, r, "user:9", "config.json", userID(9)))

	// Age both sessions three days back and drop their real-time daily
	// row, as if the day had never been rolled up.
	old := time.Now().UTC().AddDate(0, 0, -3)
	require.NoError(t, svc.repo.(*repository).db.
		Model(&DownloadSession{}).
		Where("repository_id = ?", r.ID).
		Update("created_at", old).Error)
	require.NoError(t, svc.repo.(*repository).db.
		Delete(&DailyRepoStats{}, "repository_id = ?", r.ID).Error)

	require.NoError(t, svc.Rollup(ctx))

	rows, err := svc.Daily(ctx, r.ID, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, old.Format("2006-01-02"), rows[0].Date)
	assert.Equal(t, int64(2), rows[0].Downloads)
	assert.Equal(t, int64(1), rows[0].AuthDownloads)
	assert.Equal(t, int64(1), rows[0].AnonDownloads)
	assert.Equal(t, int64(2), rows[0].TotalFiles)

	t.Run("existing rows stay untouched", func(t *testing.T) {
		require.NoError(t, svc.Rollup(ctx))
		rows, err := svc.Daily(ctx, r.ID, "")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2), rows[0].Downloads)
	})
}

func TestCleanup(t *testing.T) {
	svc, _, r := testService(t)
	svc.cfg.CleanupThreshold = 2
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, r, "anon:old", "config.json", nil))

	// Age the row past retention, then trigger the threshold.
	require.NoError(t, svc.repo.(*repository).db.
		Model(&DownloadSession{}).
		Where("repository_id = ?", r.ID).
		Update("created_at", time.Now().AddDate(0, 0, -svc.cfg.KeepSessionsDays-1)).Error)

	require.NoError(t, svc.Record(ctx, r, "anon:fresh", "config.json", nil))

	count, err := svc.repo.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired session pruned")
}

func TestForget(t *testing.T) {
	svc, _, r := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, r, "anon:s1", "config.json", nil))
	require.NoError(t, svc.Forget(ctx, r.ID))

	count, err := svc.repo.CountSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	rows, err := svc.Daily(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
