package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/shared/metrics"
)

// Service is the federation engine: a priority-ordered chain of upstream
// hubs tried when a repository is missing locally, with the winning
// source cached per repository.
type Service struct {
	repo    Repository
	cfg     *config.FallbackConfig
	cache   *routeCache
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewService creates the fallback service. m may be nil.
func NewService(repo Repository, cfg *config.FallbackConfig, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		cfg:     cfg,
		cache:   newRouteCache(cfg.CacheMaxEntries, cfg.CacheTTL),
		metrics: m,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// defaultSource is consulted when no sources are configured.
var defaultSource = &Source{
	Name:     "huggingface",
	Kind:     KindHuggingFace,
	Endpoint: "https://huggingface.co",
	Enabled:  true,
}

// sources returns the chain eligible for a target namespace: global
// sources plus sources scoped to it. An empty namespace places no scope
// restriction.
func (s *Service) sources(ctx context.Context, namespace string) []*Source {
	if !s.cfg.Enabled {
		return nil
	}
	var sources []*Source
	var err error
	if namespace == "" {
		sources, err = s.repo.List(ctx, true)
	} else {
		sources, err = s.repo.ListForNamespace(ctx, namespace)
	}
	if err != nil {
		s.logger.Warn("fallback source load failed", zap.Error(err))
		return nil
	}
	if len(sources) == 0 {
		return []*Source{defaultSource}
	}
	return sources
}

// namespaceOf extracts the namespace half of a "namespace/name" repo id.
func namespaceOf(id string) string {
	if i := strings.Index(id, "/"); i > 0 {
		return id[:i]
	}
	return ""
}

// clientFor returns the cached per-source client, keeping breaker state
// alive across requests.
func (s *Service) clientFor(source *Source) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[source.Name]; ok && c.source.Endpoint == source.Endpoint {
		return c
	}
	c := newClient(source)
	s.clients[source.Name] = c
	return c
}

func cacheKey(repoType, id string) string {
	return repoType + ":" + id
}

// annotate stamps a proxied JSON payload with the source that served it,
// so clients can tell federated results from local ones. Objects and
// arrays of objects are tagged; anything else passes through untouched.
func annotate(body []byte, source *Source) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return body
	}
	switch trimmed[0] {
	case '{':
		var m map[string]any
		if json.Unmarshal(trimmed, &m) != nil {
			return body
		}
		tagSource(m, source)
		out, err := json.Marshal(m)
		if err != nil {
			return body
		}
		return out
	case '[':
		var items []map[string]any
		if json.Unmarshal(trimmed, &items) != nil {
			return body
		}
		for _, m := range items {
			tagSource(m, source)
		}
		out, err := json.Marshal(items)
		if err != nil {
			return body
		}
		return out
	}
	return body
}

func tagSource(m map[string]any, source *Source) {
	m["_source"] = source.Name
	m["_source_url"] = source.Endpoint
}

func (s *Service) record(source, operation string) {
	if s.metrics != nil {
		s.metrics.FallbackHitsTotal.WithLabelValues(source, operation).Inc()
	}
}

// tryChain runs op against each source in priority order. A cached winner
// is tried first; 401/403 upstream stops the chain, since retrying other
// sources cannot make a private repository public.
func (s *Service) tryChain(ctx context.Context, repoType, id, operation string, op func(*client) ([]byte, error)) ([]byte, error) {
	sources := s.sources(ctx, namespaceOf(id))
	if len(sources) == 0 {
		return nil, hub.RepoNotFound(id)
	}

	key := cacheKey(repoType, id)
	if winner, ok := s.cache.Get(key); ok {
		for _, source := range sources {
			if source.Name != winner {
				continue
			}
			body, err := op(s.clientFor(source))
			if err == nil {
				s.record(source.Name, operation)
				return annotate(body, source), nil
			}
			break
		}
	}

	for _, source := range sources {
		body, err := op(s.clientFor(source))
		if err == nil {
			s.cache.Put(key, source.Name)
			s.record(source.Name, operation)
			return annotate(body, source), nil
		}
		if errors.Is(err, errUpstreamDenied) {
			return nil, hub.Unauthorized("Upstream repository requires credentials")
		}
		if !errors.Is(err, errUpstreamMiss) {
			s.logger.Debug("fallback source failed",
				zap.String("source", source.Name), zap.Error(err))
		}
	}
	return nil, hub.RepoNotFound(id)
}

// RepoInfo proxies repository info from the first source that has it.
func (s *Service) RepoInfo(ctx context.Context, repoType, id, revision string) ([]byte, error) {
	return s.tryChain(ctx, repoType, id, "info", func(c *client) ([]byte, error) {
		return c.repoInfo(ctx, repoType, id, revision, s.cfg.HeadTimeout)
	})
}

// Tree proxies a tree listing from the first source that has the repo.
func (s *Service) Tree(ctx context.Context, repoType, id, revision, path string, recursive bool) ([]byte, error) {
	return s.tryChain(ctx, repoType, id, "tree", func(c *client) ([]byte, error) {
		return c.tree(ctx, repoType, id, revision, path, recursive, s.cfg.ListTimeout)
	})
}

// PathsInfo proxies a paths-info query.
func (s *Service) PathsInfo(ctx context.Context, repoType, id, revision string, body []byte) ([]byte, error) {
	return s.tryChain(ctx, repoType, id, "paths-info", func(c *client) ([]byte, error) {
		return c.pathsInfo(ctx, repoType, id, revision, body, s.cfg.ListTimeout)
	})
}

// ResolveURL returns the upstream download URL for a file, probing the
// chain to find which source owns the repository.
func (s *Service) ResolveURL(ctx context.Context, repoType, id, revision, filePath string) (string, error) {
	var winner *client
	_, err := s.tryChain(ctx, repoType, id, "resolve", func(c *client) ([]byte, error) {
		if err := c.probe(ctx, repoType, id, s.cfg.HeadTimeout); err != nil {
			return nil, err
		}
		winner = c
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return winner.resolveURL(repoType, id, revision, filePath), nil
}

// ListRepos queries every source concurrently and merges the listings,
// earlier sources winning duplicate ids.
func (s *Service) ListRepos(ctx context.Context, repoType, author string, limit int) ([]map[string]any, error) {
	sources := s.sources(ctx, author)
	if len(sources) == 0 {
		return nil, nil
	}

	results := make([][]map[string]any, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		g.Go(func() error {
			body, err := s.clientFor(source).list(gctx, repoType, author, limit, s.cfg.ListTimeout)
			if err != nil {
				s.logger.Debug("fallback list failed",
					zap.String("source", source.Name), zap.Error(err))
				return nil
			}
			var items []map[string]any
			if err := json.Unmarshal(body, &items); err != nil {
				return nil
			}
			for _, item := range items {
				tagSource(item, source)
			}
			results[i] = items
			s.record(source.Name, "list")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var merged []map[string]any
	for _, items := range results {
		for _, item := range items {
			id, ok := item["id"].(string)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, item)
		}
	}
	return merged, nil
}

// Sources lists configured sources.
func (s *Service) Sources(ctx context.Context) ([]*Source, error) {
	return s.repo.List(ctx, false)
}

// AddSource registers an upstream source.
func (s *Service) AddSource(ctx context.Context, source *Source) error {
	if source.Name == "" || source.Endpoint == "" {
		return hub.BadRequest("Source name and endpoint are required")
	}
	if source.Kind == "" {
		source.Kind = KindHuggingFace
	}
	if source.Kind != KindHuggingFace && source.Kind != KindKohakuHub {
		return hub.BadRequest("Unknown source kind")
	}
	if err := s.repo.Create(ctx, source); err != nil {
		if errors.Is(err, ErrSourceExists) {
			return hub.BadRequest("Source name already taken")
		}
		return err
	}
	s.cache.Clear()
	return nil
}

// RemoveSource deletes a source and drops cached routes.
func (s *Service) RemoveSource(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			return hub.EntryNotFound("source")
		}
		return err
	}
	s.cache.Clear()
	return nil
}

// CacheStats snapshots the route cache.
func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

// ClearCache drops every cached route.
func (s *Service) ClearCache() {
	s.cache.Clear()
}
