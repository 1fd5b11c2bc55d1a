package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
)

type fixture struct {
	svc   *Service
	store repo.Store
	user  *auth.User
}

func setup(t *testing.T, cfg config.QuotaConfig) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&auth.User{}, &auth.Organization{}, &auth.Membership{},
		&repo.Repository{}, &repo.File{}, &repo.Commit{},
		&repo.StagingUpload{}, &repo.LFSObjectHistory{}, &repo.RepositoryLike{}))

	user := &auth.User{Name: "alice", NormalizedName: "alice", Email: "a@example.com", PasswordHash: "x", Active: true}
	require.NoError(t, db.Create(user).Error)

	store := repo.NewStore(db)
	authSvc := auth.NewService(auth.NewRepository(db), &config.AuthConfig{}, logger.Nop())
	return &fixture{
		svc:   NewService(store, authSvc, nil, &cfg, logger.Nop()),
		store: store,
		user:  user,
	}
}

func (f *fixture) seedRepo(t *testing.T, name string, private bool) *repo.Repository {
	t.Helper()
	r := &repo.Repository{
		RepoType: repo.TypeModel, Namespace: "alice", Name: name,
		Private: private, OwnerUserID: &f.user.ID,
	}
	require.NoError(t, f.store.Create(context.Background(), r))
	return r
}

func TestCheck_UnlimitedByDefault(t *testing.T) {
	f := setup(t, config.QuotaConfig{})
	r := f.seedRepo(t, "bert", false)

	assert.NoError(t, f.svc.Check(context.Background(), r, 1<<40))
}

func TestCheck_NamespaceQuota(t *testing.T) {
	f := setup(t, config.QuotaConfig{DefaultUserPublicBytes: 100, DefaultUserPrivateBytes: 50})
	ctx := context.Background()

	pub := f.seedRepo(t, "pub", false)
	priv := f.seedRepo(t, "priv", true)

	t.Run("within quota", func(t *testing.T) {
		assert.NoError(t, f.svc.Check(ctx, pub, 100))
	})

	t.Run("public bucket exceeded", func(t *testing.T) {
		err := f.svc.Check(ctx, pub, 101)
		require.Error(t, err)
		assert.Equal(t, 413, hub.StatusCode(err))
		assert.Contains(t, err.Error(), "101")
		assert.Contains(t, err.Error(), "100")
	})

	t.Run("private bucket is separate", func(t *testing.T) {
		assert.NoError(t, f.svc.Check(ctx, priv, 50))
		err := f.svc.Check(ctx, priv, 51)
		require.Error(t, err)
		assert.Equal(t, 413, hub.StatusCode(err))
	})

	t.Run("zero additional always passes", func(t *testing.T) {
		assert.NoError(t, f.svc.Check(ctx, pub, 0))
	})
}

func TestCheck_RepoOverride(t *testing.T) {
	f := setup(t, config.QuotaConfig{})
	ctx := context.Background()

	r := f.seedRepo(t, "capped", false)
	capBytes := int64(10)
	r.QuotaBytes = &capBytes
	r.UsedBytes = 8

	err := f.svc.Check(ctx, r, 3)
	require.Error(t, err)
	assert.Equal(t, 413, hub.StatusCode(err))
	assert.Contains(t, err.Error(), "alice/capped")

	assert.NoError(t, f.svc.Check(ctx, r, 2))
}

func TestIncrement(t *testing.T) {
	f := setup(t, config.QuotaConfig{DefaultUserPublicBytes: 100})
	ctx := context.Background()
	r := f.seedRepo(t, "bert", false)

	require.NoError(t, f.svc.Increment(ctx, r, 60))

	got, err := f.store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.UsedBytes)

	u, err := f.svc.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.PublicUsed)

	t.Run("admission sees the new usage", func(t *testing.T) {
		err := f.svc.Check(ctx, got, 50)
		require.Error(t, err)
		assert.Equal(t, 413, hub.StatusCode(err))
	})

	t.Run("negative delta releases space", func(t *testing.T) {
		require.NoError(t, f.svc.Increment(ctx, r, -20))
		u, err := f.svc.Usage(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(40), u.PublicUsed)
	})
}

func TestRecalculate(t *testing.T) {
	f := setup(t, config.QuotaConfig{})
	ctx := context.Background()
	r := f.seedRepo(t, "bert", false)

	// Two live regular files, one deleted, and an LFS object retained
	// under two paths plus one historical version.
	require.NoError(t, f.store.UpsertFile(ctx, &repo.File{RepositoryID: r.ID, PathInRepo: "a.txt", Size: 10, Sha256: "s1"}))
	require.NoError(t, f.store.UpsertFile(ctx, &repo.File{RepositoryID: r.ID, PathInRepo: "b.txt", Size: 20, Sha256: "s2"}))
	require.NoError(t, f.store.UpsertFile(ctx, &repo.File{RepositoryID: r.ID, PathInRepo: "gone.txt", Size: 500, Sha256: "s3"}))
	require.NoError(t, f.store.SoftDeleteFile(ctx, r.ID, "gone.txt"))

	require.NoError(t, f.store.UpsertFile(ctx, &repo.File{RepositoryID: r.ID, PathInRepo: "model.bin", Size: 100, Sha256: "lfs1", LFS: true}))
	require.NoError(t, f.store.AppendLFSHistory(ctx, &repo.LFSObjectHistory{RepositoryID: r.ID, PathInRepo: "model.bin", Sha256: "lfs1", Size: 100, CommitID: "c1"}))
	require.NoError(t, f.store.AppendLFSHistory(ctx, &repo.LFSObjectHistory{RepositoryID: r.ID, PathInRepo: "copy.bin", Sha256: "lfs1", Size: 100, CommitID: "c1"}))
	require.NoError(t, f.store.AppendLFSHistory(ctx, &repo.LFSObjectHistory{RepositoryID: r.ID, PathInRepo: "model.bin", Sha256: "lfs0", Size: 40, CommitID: "c0"}))

	u, err := f.svc.Recalculate(ctx, "alice")
	require.NoError(t, err)

	// 10 + 20 live regular bytes, 100 once for the deduped hash, 40 for
	// the superseded version still retained.
	assert.Equal(t, int64(170), u.PublicUsed)
	assert.Zero(t, u.PrivateUsed)

	got, err := f.store.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(170), got.UsedBytes)
}
