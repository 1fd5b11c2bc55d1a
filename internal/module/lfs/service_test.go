package lfs

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/quota"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/module/upload"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
	"github.com/kohakuhub/kohakuhub/internal/storage"
)

type fakeObjectStore struct {
	existing map[string]bool
	signed   []string
}

func (f *fakeObjectStore) ObjectExists(_ context.Context, key string) (bool, error) {
	return f.existing[key], nil
}

func (f *fakeObjectStore) PresignUpload(_ context.Context, key string, _ time.Duration, _ string) (*storage.PresignedUpload, error) {
	f.signed = append(f.signed, key)
	return &storage.PresignedUpload{URL: "https://s3.example.com/" + key}, nil
}

func (f *fakeObjectStore) PresignDownload(_ context.Context, key string, _ time.Duration, _ string) (string, error) {
	return "https://s3.example.com/" + key, nil
}

func (f *fakeObjectStore) HeadObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	if !f.existing[key] {
		return nil, errors.New("not found")
	}
	return &storage.ObjectInfo{Key: key, Size: 1}, nil
}

func testService() *Service {
	cfg := &config.Config{
		App: config.AppConfig{BaseURL: "https://hub.example.com"},
		LFS: config.LFSConfig{MaxFileSize: 1000},
	}
	return NewService(nil, nil, nil, cfg, logger.Nop())
}

func testServiceDB(t *testing.T, quotaCfg config.QuotaConfig) (*Service, *fakeObjectStore, repo.Store, *repo.Repository) {
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

	log := logger.Nop()
	store := repo.NewStore(db)
	authSvc := auth.NewService(auth.NewRepository(db), &config.AuthConfig{}, log)

	user := &auth.User{Name: "alice", NormalizedName: "alice", Email: "a@example.com", PasswordHash: "x", Active: true}
	require.NoError(t, db.Create(user).Error)

	r := &repo.Repository{
		RepoType: repo.TypeModel, Namespace: "alice", Name: "bert",
		OwnerUserID: &user.ID,
	}
	require.NoError(t, store.Create(context.Background(), r))

	cfg := &config.Config{
		App:   config.AppConfig{BaseURL: "https://hub.example.com"},
		LFS:   config.LFSConfig{MaxFileSize: 5 << 30},
		S3:    config.S3Config{PresignExpiry: time.Hour},
		Quota: quotaCfg,
	}
	quotaSvc := quota.NewService(store, authSvc, nil, &cfg.Quota, log)
	fake := &fakeObjectStore{existing: map[string]bool{}}
	return NewService(fake, store, quotaSvc, cfg, log), fake, store, r
}

func testRepo(repoType repo.RepoType) *repo.Repository {
	return &repo.Repository{RepoType: repoType, Namespace: "alice", Name: "bert"}
}

func TestBatch_Validation(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	t.Run("unknown operation", func(t *testing.T) {
		_, err := svc.Batch(ctx, testRepo(repo.TypeModel), &BatchRequest{Operation: "sync"})
		require.Error(t, err)
		assert.Equal(t, 400, hub.StatusCode(err))
	})

	t.Run("unknown hash algo", func(t *testing.T) {
		_, err := svc.Batch(ctx, testRepo(repo.TypeModel), &BatchRequest{
			Operation: "upload", HashAlgo: "md5",
		})
		require.Error(t, err)
		assert.Equal(t, 400, hub.StatusCode(err))
	})

	t.Run("malformed oid gets a per-object error", func(t *testing.T) {
		resp, err := svc.Batch(ctx, testRepo(repo.TypeModel), &BatchRequest{
			Operation: "upload",
			Objects:   []ObjectRef{{OID: "not-an-oid", Size: 10}},
		})
		require.NoError(t, err)
		require.Len(t, resp.Objects, 1)
		require.NotNil(t, resp.Objects[0].Error)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Objects[0].Error.Code)
		assert.Nil(t, resp.Objects[0].Actions)
	})

	t.Run("negative size gets a per-object error", func(t *testing.T) {
		resp, err := svc.Batch(ctx, testRepo(repo.TypeModel), &BatchRequest{
			Operation: "download",
			Objects:   []ObjectRef{{OID: strings.Repeat("ab", 32), Size: -1}},
		})
		require.NoError(t, err)
		require.NotNil(t, resp.Objects[0].Error)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Objects[0].Error.Code)
	})
}

func TestBatch_UploadOverLimit(t *testing.T) {
	svc := testService()

	resp, err := svc.Batch(context.Background(), testRepo(repo.TypeModel), &BatchRequest{
		Operation: "upload",
		Objects:   []ObjectRef{{OID: strings.Repeat("ab", 32), Size: 1001}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Objects, 1)

	obj := resp.Objects[0]
	require.NotNil(t, obj.Error)
	assert.Equal(t, http.StatusNotImplemented, obj.Error.Code)
	assert.Contains(t, obj.Error.Message, "1001")
	assert.Contains(t, obj.Error.Message, "1000")
	assert.Equal(t, "basic", resp.Transfer)
	assert.Equal(t, "sha256", resp.HashAlgo)
}

func TestBatch_UploadQuotaAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("over quota rejects the batch before presigning", func(t *testing.T) {
		svc, fake, _, r := testServiceDB(t, config.QuotaConfig{DefaultUserPublicBytes: 100})

		_, err := svc.Batch(ctx, r, &BatchRequest{
			Operation: "upload",
			Objects: []ObjectRef{
				{OID: strings.Repeat("aa", 32), Size: 60},
				{OID: strings.Repeat("bb", 32), Size: 60},
			},
		})
		require.Error(t, err)
		assert.Equal(t, 413, hub.StatusCode(err))
		assert.Empty(t, fake.signed, "no upload URL is issued once quota is exceeded")
	})

	t.Run("within quota presigns", func(t *testing.T) {
		svc, fake, _, r := testServiceDB(t, config.QuotaConfig{DefaultUserPublicBytes: 100})

		resp, err := svc.Batch(ctx, r, &BatchRequest{
			Operation: "upload",
			Objects:   []ObjectRef{{OID: strings.Repeat("aa", 32), Size: 60}},
		})
		require.NoError(t, err)
		require.NotNil(t, resp.Objects[0].Actions)
		assert.Contains(t, resp.Objects[0].Actions, "upload")
		assert.Contains(t, resp.Objects[0].Actions, "verify")
		assert.Len(t, fake.signed, 1)
	})
}

func TestBatch_UploadDedup(t *testing.T) {
	svc, fake, store, r := testServiceDB(t, config.QuotaConfig{DefaultUserPublicBytes: 100})
	ctx := context.Background()

	registered := strings.Repeat("aa", 32)
	stored := strings.Repeat("bb", 32)
	fresh := strings.Repeat("cc", 32)

	require.NoError(t, store.UpsertFile(ctx, &repo.File{
		RepositoryID: r.ID, PathInRepo: "weights.bin", Size: 5000, Sha256: registered, LFS: true,
	}))
	fake.existing[upload.LFSKey(stored)] = true

	resp, err := svc.Batch(ctx, r, &BatchRequest{
		Operation: "upload",
		Objects: []ObjectRef{
			{OID: registered, Size: 5000},
			{OID: stored, Size: 5000},
			{OID: fresh, Size: 90},
		},
	})
	require.NoError(t, err, "deduplicated bytes are not charged against quota")
	assert.Nil(t, resp.Objects[0].Actions, "registered content skips upload")
	assert.Nil(t, resp.Objects[0].Error)
	assert.Nil(t, resp.Objects[1].Actions, "stored content skips upload")
	assert.Nil(t, resp.Objects[1].Error)
	require.NotNil(t, resp.Objects[2].Actions)
	assert.Equal(t, []string{upload.LFSKey(fresh)}, fake.signed)
}

func TestVerify_InvalidOID(t *testing.T) {
	svc := testService()
	err := svc.Verify(context.Background(), &ObjectRef{OID: "xyz", Size: 1})
	require.Error(t, err)
	assert.Equal(t, 400, hub.StatusCode(err))
}

func TestVerifyHref(t *testing.T) {
	svc := testService()

	assert.Equal(t,
		"https://hub.example.com/alice/bert.git/info/lfs/verify",
		svc.verifyHref(testRepo(repo.TypeModel)))
	assert.Equal(t,
		"https://hub.example.com/datasets/alice/bert.git/info/lfs/verify",
		svc.verifyHref(testRepo(repo.TypeDataset)))
}
