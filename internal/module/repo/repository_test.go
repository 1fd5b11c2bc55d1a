package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&Repository{}, &File{}, &Commit{}, &StagingUpload{},
		&LFSObjectHistory{}, &RepositoryLike{}))
	return NewStore(db)
}

func seedRepo(t *testing.T, s Store, namespace, name string, private bool) *Repository {
	t.Helper()
	owner := int64(1)
	r := &Repository{
		RepoType:    TypeModel,
		Namespace:   namespace,
		Name:        name,
		Private:     private,
		OwnerUserID: &owner,
	}
	require.NoError(t, s.Create(context.Background(), r))
	return r
}

func TestStore_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := seedRepo(t, s, "alice", "bert", false)
	assert.NotZero(t, r.ID)

	got, err := s.Get(ctx, TypeModel, "alice", "bert")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "alice/bert", got.FullID())
	assert.Equal(t, "hf-model-alice-bert", got.StoreName())

	t.Run("duplicate is rejected", func(t *testing.T) {
		owner := int64(1)
		err := s.Create(ctx, &Repository{
			RepoType: TypeModel, Namespace: "alice", Name: "bert", OwnerUserID: &owner,
		})
		assert.ErrorIs(t, err, ErrRepoExists)
	})

	t.Run("same name under another type is fine", func(t *testing.T) {
		owner := int64(1)
		err := s.Create(ctx, &Repository{
			RepoType: TypeDataset, Namespace: "alice", Name: "bert", OwnerUserID: &owner,
		})
		assert.NoError(t, err)
	})

	t.Run("missing repo", func(t *testing.T) {
		_, err := s.Get(ctx, TypeModel, "alice", "nope")
		assert.ErrorIs(t, err, ErrRepoNotFound)
	})
}

func TestStore_ListPrivacy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seedRepo(t, s, "alice", "public-one", false)
	private := seedRepo(t, s, "alice", "secret", true)

	orgOwner := int64(7)
	require.NoError(t, s.Create(ctx, &Repository{
		RepoType: TypeModel, Namespace: "acme", Name: "org-secret",
		Private: true, OwnerOrgID: &orgOwner,
	}))

	t.Run("anonymous sees only public", func(t *testing.T) {
		repos, err := s.List(ctx, TypeModel, nil)
		require.NoError(t, err)
		require.Len(t, repos, 1)
		assert.Equal(t, "public-one", repos[0].Name)
	})

	t.Run("owner sees own private", func(t *testing.T) {
		viewer := int64(1)
		repos, err := s.List(ctx, TypeModel, &ListFilter{ViewerUserID: &viewer})
		require.NoError(t, err)
		assert.Len(t, repos, 2)
	})

	t.Run("org member sees org private", func(t *testing.T) {
		viewer := int64(42)
		repos, err := s.List(ctx, TypeModel, &ListFilter{
			ViewerUserID: &viewer,
			ViewerOrgIDs: []int64{orgOwner},
		})
		require.NoError(t, err)
		assert.Len(t, repos, 2)
	})

	_ = private
}

func TestStore_Files(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := seedRepo(t, s, "alice", "bert", false)

	f := &File{RepositoryID: r.ID, PathInRepo: "config.json", Size: 42, Sha256: "abc"}
	require.NoError(t, s.UpsertFile(ctx, f))

	t.Run("upsert overwrites on path conflict", func(t *testing.T) {
		require.NoError(t, s.UpsertFile(ctx, &File{
			RepositoryID: r.ID, PathInRepo: "config.json", Size: 99, Sha256: "def",
		}))
		got, err := s.GetFile(ctx, r.ID, "config.json")
		require.NoError(t, err)
		assert.Equal(t, int64(99), got.Size)
		assert.Equal(t, "def", got.Sha256)
	})

	t.Run("soft delete hides from listing", func(t *testing.T) {
		require.NoError(t, s.SoftDeleteFile(ctx, r.ID, "config.json"))
		files, err := s.ListFiles(ctx, r.ID, false)
		require.NoError(t, err)
		assert.Empty(t, files)

		all, err := s.ListFiles(ctx, r.ID, true)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		assert.True(t, all[0].IsDeleted)
	})

	t.Run("upsert resurrects deleted path", func(t *testing.T) {
		require.NoError(t, s.UpsertFile(ctx, &File{
			RepositoryID: r.ID, PathInRepo: "config.json", Size: 7, Sha256: "ghi",
		}))
		got, err := s.GetFile(ctx, r.ID, "config.json")
		require.NoError(t, err)
		assert.False(t, got.IsDeleted)
	})
}

func TestStore_Likes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := seedRepo(t, s, "alice", "bert", false)

	require.NoError(t, s.AddLike(ctx, r.ID, 10))

	t.Run("double like rejected", func(t *testing.T) {
		assert.ErrorIs(t, s.AddLike(ctx, r.ID, 10), ErrLikeExists)
	})

	t.Run("counter tracks likes", func(t *testing.T) {
		require.NoError(t, s.AddLike(ctx, r.ID, 11))
		got, err := s.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.LikesCount)
	})

	t.Run("unlike unknown rejected", func(t *testing.T) {
		assert.ErrorIs(t, s.RemoveLike(ctx, r.ID, 99), ErrLikeNotFound)
	})

	t.Run("remove decrements", func(t *testing.T) {
		require.NoError(t, s.RemoveLike(ctx, r.ID, 10))
		got, err := s.GetByID(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.LikesCount)

		ids, err := s.ListLikerIDs(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{11}, ids)
	})
}

func TestStore_LFSHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := seedRepo(t, s, "alice", "bert", false)

	require.NoError(t, s.AppendLFSHistory(ctx, &LFSObjectHistory{
		RepositoryID: r.ID, PathInRepo: "model.bin", Sha256: "aa", Size: 100, CommitID: "c1",
	}))

	known, err := s.HasLFSHistory(ctx, r.ID, "aa")
	require.NoError(t, err)
	assert.True(t, known)

	known, err = s.HasLFSHistory(ctx, r.ID, "bb")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestStore_PruneLFSHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := seedRepo(t, s, "alice", "bert", false)

	for _, sha := range []string{"v1", "v2", "v3", "v4"} {
		require.NoError(t, s.AppendLFSHistory(ctx, &LFSObjectHistory{
			RepositoryID: r.ID, PathInRepo: "model.bin",
			Sha256: sha, Size: 100, CommitID: "c" + sha,
		}))
	}
	// v1 also lives at another path and must keep its charge.
	require.NoError(t, s.AppendLFSHistory(ctx, &LFSObjectHistory{
		RepositoryID: r.ID, PathInRepo: "backup.bin",
		Sha256: "v1", Size: 100, CommitID: "cv1",
	}))

	t.Run("under the window is a no-op", func(t *testing.T) {
		released, err := s.PruneLFSHistory(ctx, r.ID, "model.bin", 5)
		require.NoError(t, err)
		assert.Zero(t, released)
	})

	t.Run("disabled retention is a no-op", func(t *testing.T) {
		released, err := s.PruneLFSHistory(ctx, r.ID, "model.bin", 0)
		require.NoError(t, err)
		assert.Zero(t, released)
	})

	t.Run("keeps the newest versions", func(t *testing.T) {
		released, err := s.PruneLFSHistory(ctx, r.ID, "model.bin", 2)
		require.NoError(t, err)
		// v1 and v2 leave the window; v1 stays charged via backup.bin.
		assert.Equal(t, int64(100), released)

		rows, err := s.ListLFSHistory(ctx, r.ID)
		require.NoError(t, err)
		shas := make(map[string]int)
		for _, h := range rows {
			shas[h.Sha256]++
		}
		assert.Equal(t, map[string]int{"v1": 1, "v3": 1, "v4": 1}, shas)

		known, err := s.HasLFSHistory(ctx, r.ID, "v2")
		require.NoError(t, err)
		assert.False(t, known)
	})
}

func TestStore_DeleteCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := seedRepo(t, s, "alice", "bert", false)

	require.NoError(t, s.UpsertFile(ctx, &File{RepositoryID: r.ID, PathInRepo: "a", Size: 1, Sha256: "x"}))
	require.NoError(t, s.AddLike(ctx, r.ID, 1))
	require.NoError(t, s.Delete(ctx, r.ID))

	_, err := s.GetByID(ctx, r.ID)
	assert.ErrorIs(t, err, ErrRepoNotFound)
	_, err = s.GetFile(ctx, r.ID, "a")
	assert.ErrorIs(t, err, ErrFileNotFound)
}
