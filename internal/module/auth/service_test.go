package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
)

func testService(t *testing.T, cfg *config.AuthConfig) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&User{}, &Organization{}, &Membership{}, &Session{}, &Token{}))
	if cfg == nil {
		cfg = &config.AuthConfig{SessionExpire: time.Hour}
	}
	return NewService(NewRepository(db), cfg, logger.Nop())
}

func register(t *testing.T, svc *Service, name string) *User {
	t.Helper()
	user, err := svc.Register(context.Background(), name, name+"@example.com", "hunter2hunter2")
	require.NoError(t, err)
	return user
}

func TestRegister(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()

	user := register(t, svc, "Alice")
	assert.Equal(t, "alice", user.NormalizedName)
	assert.True(t, user.Active)

	t.Run("short password rejected", func(t *testing.T) {
		_, err := svc.Register(ctx, "bob", "b@example.com", "short")
		require.Error(t, err)
		assert.Equal(t, 400, hub.StatusCode(err))
	})

	t.Run("case-insensitive name collision", func(t *testing.T) {
		_, err := svc.Register(ctx, "ALICE", "other@example.com", "hunter2hunter2")
		require.Error(t, err)
		assert.Equal(t, 400, hub.StatusCode(err))
	})
}

func TestLoginAndSessions(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	register(t, svc, "alice")

	session, user, err := svc.Login(ctx, "alice", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)

	t.Run("session resolves to the user", func(t *testing.T) {
		p, err := svc.ResolveSession(ctx, session.ID)
		require.NoError(t, err)
		require.False(t, p.Anonymous())
		assert.Equal(t, user.ID, p.User.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, _, err := svc.Login(ctx, "alice", "wrong-password")
		require.Error(t, err)
		assert.Equal(t, 401, hub.StatusCode(err))
	})

	t.Run("unknown user gets the same error", func(t *testing.T) {
		_, _, err := svc.Login(ctx, "nobody", "hunter2hunter2")
		require.Error(t, err)
		assert.Equal(t, 401, hub.StatusCode(err))
	})

	t.Run("logout invalidates the session", func(t *testing.T) {
		require.NoError(t, svc.Logout(ctx, session.ID))
		p, err := svc.ResolveSession(ctx, session.ID)
		require.NoError(t, err)
		assert.True(t, p.Anonymous())
	})
}

func TestSessionExpiry(t *testing.T) {
	svc := testService(t, &config.AuthConfig{SessionExpire: -time.Minute})
	ctx := context.Background()
	register(t, svc, "alice")

	session, _, err := svc.Login(ctx, "alice", "hunter2hunter2")
	require.NoError(t, err)

	p, err := svc.ResolveSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, p.Anonymous(), "expired session resolves to anonymous")
}

func TestTokens(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	user := register(t, svc, "alice")

	token, secret, err := svc.CreateToken(ctx, user.ID, "ci")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, token.TokenHash, "only the hash is stored")

	t.Run("secret resolves to the owner", func(t *testing.T) {
		p, err := svc.ResolveToken(ctx, secret)
		require.NoError(t, err)
		require.False(t, p.Anonymous())
		assert.Equal(t, user.ID, p.User.ID)
	})

	t.Run("bad secret is anonymous", func(t *testing.T) {
		p, err := svc.ResolveToken(ctx, "hub_nope")
		require.NoError(t, err)
		assert.True(t, p.Anonymous())
	})

	t.Run("revoke kills the token", func(t *testing.T) {
		require.NoError(t, svc.RevokeToken(ctx, user.ID, token.ID))
		p, err := svc.ResolveToken(ctx, secret)
		require.NoError(t, err)
		assert.True(t, p.Anonymous())
	})
}

func TestOrgsAndNamespaces(t *testing.T) {
	svc := testService(t, nil)
	ctx := context.Background()
	alice := register(t, svc, "alice")
	bob := register(t, svc, "bob")

	org, err := svc.CreateOrg(ctx, alice, "acme", "widgets")
	require.NoError(t, err)

	t.Run("creator is super-admin", func(t *testing.T) {
		role, err := svc.MembershipRole(ctx, alice.ID, org.ID)
		require.NoError(t, err)
		assert.Equal(t, RoleSuperAdmin, role)
		assert.True(t, role.CanAdmin())
	})

	t.Run("non-member is visitor", func(t *testing.T) {
		role, err := svc.MembershipRole(ctx, bob.ID, org.ID)
		require.NoError(t, err)
		assert.Equal(t, RoleVisitor, role)
	})

	t.Run("namespace resolution", func(t *testing.T) {
		ns, err := svc.ResolveNamespace(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ns.IsOrg)

		ns, err = svc.ResolveNamespace(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, ns.IsOrg)

		_, err = svc.ResolveNamespace(ctx, "ghost")
		require.Error(t, err)
		assert.Equal(t, 404, hub.StatusCode(err))
	})

	t.Run("namespace write access", func(t *testing.T) {
		ok, err := svc.CanUseNamespace(ctx, &Principal{User: alice}, "acme")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = svc.CanUseNamespace(ctx, &Principal{User: bob}, "acme")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = svc.CanUseNamespace(ctx, &Principal{User: bob}, "Bob")
		require.NoError(t, err)
		assert.True(t, ok, "own namespace compares case-insensitively")

		ok, err = svc.CanUseNamespace(ctx, &Principal{}, "alice")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
