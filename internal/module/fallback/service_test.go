package fallback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	"github.com/kohakuhub/kohakuhub/internal/shared/logger"
)

func testRepository(t *testing.T) Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Source{}))
	return NewRepository(db)
}

func testFallbackService(t *testing.T, repo Repository) *Service {
	t.Helper()
	cfg := &config.FallbackConfig{
		Enabled:         true,
		CacheMaxEntries: 16,
		CacheTTL:        time.Minute,
		HeadTimeout:     time.Second,
		ListTimeout:     time.Second,
	}
	return NewService(repo, cfg, nil, logger.Nop())
}

func TestAnnotate(t *testing.T) {
	source := &Source{Name: "mirror", Endpoint: "https://mirror.example.com"}

	t.Run("object gets tagged", func(t *testing.T) {
		out := annotate([]byte(`{"id":"alice/bert"}`), source)
		var m map[string]any
		require.NoError(t, json.Unmarshal(out, &m))
		assert.Equal(t, "mirror", m["_source"])
		assert.Equal(t, "https://mirror.example.com", m["_source_url"])
		assert.Equal(t, "alice/bert", m["id"])
	})

	t.Run("array tags every element", func(t *testing.T) {
		out := annotate([]byte(`[{"id":"a"},{"id":"b"}]`), source)
		var items []map[string]any
		require.NoError(t, json.Unmarshal(out, &items))
		require.Len(t, items, 2)
		for _, m := range items {
			assert.Equal(t, "mirror", m["_source"])
		}
	})

	t.Run("non-json passes through", func(t *testing.T) {
		assert.Equal(t, []byte("plain"), annotate([]byte("plain"), source))
		assert.Nil(t, annotate(nil, source))
	})
}

func TestListForNamespace(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Source{
		Name: "global", Kind: KindHuggingFace, Endpoint: "https://a.example.com", Priority: 20, Enabled: true,
	}))
	require.NoError(t, repo.Create(ctx, &Source{
		Name: "bob-mirror", Kind: KindKohakuHub, Endpoint: "https://b.example.com",
		Namespace: "bob", Priority: 10, Enabled: true,
	}))
	require.NoError(t, repo.Create(ctx, &Source{
		Name: "disabled", Kind: KindHuggingFace, Endpoint: "https://c.example.com", Enabled: false,
	}))

	t.Run("scoped source only serves its namespace", func(t *testing.T) {
		sources, err := repo.ListForNamespace(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.Equal(t, "global", sources[0].Name)
	})

	t.Run("target namespace sees scoped plus global by priority", func(t *testing.T) {
		sources, err := repo.ListForNamespace(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, sources, 2)
		assert.Equal(t, "bob-mirror", sources[0].Name)
		assert.Equal(t, "global", sources[1].Name)
	})
}

func TestRepoInfo_AnnotatesAndScopes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "bob/bert"})
	}))
	t.Cleanup(upstream.Close)

	repo := testRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Source{
		Name: "bob-mirror", Kind: KindKohakuHub, Endpoint: upstream.URL,
		Namespace: "bob", Enabled: true,
	}))
	svc := testFallbackService(t, repo)

	t.Run("winning source tags the payload", func(t *testing.T) {
		body, err := svc.RepoInfo(ctx, "model", "bob/bert", "")
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))
		assert.Equal(t, "bob-mirror", m["_source"])
		assert.Equal(t, upstream.URL, m["_source_url"])
	})

	t.Run("scoped source skips other namespaces", func(t *testing.T) {
		// The only configured source is scoped to bob, so alice's lookup
		// falls to the built-in default and never reaches the test server.
		sources := svc.sources(ctx, "alice")
		require.Len(t, sources, 1)
		assert.Equal(t, defaultSource.Name, sources[0].Name)
	})
}
