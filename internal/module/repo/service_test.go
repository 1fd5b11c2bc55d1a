package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
)

func testAccessService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&auth.User{}, &auth.Organization{}, &auth.Membership{},
		&Repository{}, &File{}, &Commit{}, &StagingUpload{},
		&LFSObjectHistory{}, &RepositoryLike{}))

	log := logger.Nop()
	store := NewStore(db)
	authSvc := auth.NewService(auth.NewRepository(db), &config.AuthConfig{}, log)
	return NewService(store, authSvc, nil, nil, &config.Config{}, log), db
}

func seedUser(t *testing.T, db *gorm.DB, name string) *auth.User {
	t.Helper()
	u := &auth.User{
		Name: name, NormalizedName: auth.NormalizeName(name),
		Email: name + "@example.com", PasswordHash: "x", Active: true,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

func TestCheckRead(t *testing.T) {
	svc, db := testAccessService(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	visitor := seedUser(t, db, "viv")
	outsider := seedUser(t, db, "oscar")

	org := &auth.Organization{Name: "acme", NormalizedName: "acme"}
	require.NoError(t, db.Create(org).Error)
	require.NoError(t, db.Create(&auth.Membership{
		UserID: visitor.ID, OrgID: org.ID, Role: auth.RoleVisitor,
	}).Error)

	userRepo := &Repository{
		RepoType: TypeModel, Namespace: "alice", Name: "secret",
		Private: true, OwnerUserID: &owner.ID,
	}
	require.NoError(t, svc.Store().Create(ctx, userRepo))

	orgRepo := &Repository{
		RepoType: TypeModel, Namespace: "acme", Name: "org-secret",
		Private: true, OwnerOrgID: &org.ID,
	}
	require.NoError(t, svc.Store().Create(ctx, orgRepo))

	public := &Repository{
		RepoType: TypeModel, Namespace: "alice", Name: "open",
		OwnerUserID: &owner.ID,
	}
	require.NoError(t, svc.Store().Create(ctx, public))

	t.Run("public is open to everyone", func(t *testing.T) {
		assert.NoError(t, svc.CheckRead(ctx, nil, public))
	})

	t.Run("anonymous gets 401 on private", func(t *testing.T) {
		err := svc.CheckRead(ctx, nil, userRepo)
		require.Error(t, err)
		assert.Equal(t, 401, hub.StatusCode(err))
	})

	t.Run("owner reads own private", func(t *testing.T) {
		assert.NoError(t, svc.CheckRead(ctx, &auth.Principal{User: owner}, userRepo))
	})

	t.Run("authenticated outsider gets 403", func(t *testing.T) {
		err := svc.CheckRead(ctx, &auth.Principal{User: outsider}, userRepo)
		require.Error(t, err)
		assert.Equal(t, 403, hub.StatusCode(err))
	})

	t.Run("any org membership grants read", func(t *testing.T) {
		assert.NoError(t, svc.CheckRead(ctx, &auth.Principal{User: visitor}, orgRepo))
	})

	t.Run("non-member gets 403 on org private", func(t *testing.T) {
		err := svc.CheckRead(ctx, &auth.Principal{User: outsider}, orgRepo)
		require.Error(t, err)
		assert.Equal(t, 403, hub.StatusCode(err))
	})
}

func TestLiked(t *testing.T) {
	svc, db := testAccessService(t)
	ctx := context.Background()

	owner := seedUser(t, db, "alice")
	p := &auth.Principal{User: owner}
	require.NoError(t, svc.Store().Create(ctx, &Repository{
		RepoType: TypeModel, Namespace: "alice", Name: "bert", OwnerUserID: &owner.ID,
	}))

	liked, err := svc.Liked(ctx, p, TypeModel, "alice", "bert")
	require.NoError(t, err)
	assert.False(t, liked)

	require.NoError(t, svc.Like(ctx, p, TypeModel, "alice", "bert"))

	liked, err = svc.Liked(ctx, p, TypeModel, "alice", "bert")
	require.NoError(t, err)
	assert.True(t, liked)

	t.Run("anonymous likes nothing", func(t *testing.T) {
		liked, err := svc.Liked(ctx, nil, TypeModel, "alice", "bert")
		require.NoError(t, err)
		assert.False(t, liked)
	})
}
