package quota

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Usage is the storage usage document of a namespace. Nil quota means
// unlimited.
type Usage struct {
	Namespace    string `json:"namespace"`
	PrivateUsed  int64  `json:"private_used_bytes"`
	PublicUsed   int64  `json:"public_used_bytes"`
	PrivateQuota *int64 `json:"private_quota_bytes"`
	PublicQuota  *int64 `json:"public_quota_bytes"`
}

// Service implements storage quota admission and accounting.
type Service struct {
	store  repo.Store
	auth   *auth.Service
	cache  *Cache
	cfg    *config.QuotaConfig
	logger *zap.Logger
}

// NewService creates the quota service. cache may be nil.
func NewService(store repo.Store, authSvc *auth.Service, cache *Cache, cfg *config.QuotaConfig, logger *zap.Logger) *Service {
	return &Service{store: store, auth: authSvc, cache: cache, cfg: cfg, logger: logger}
}

// defaultQuota maps a zero config default to unlimited.
func defaultQuota(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func pick(override *int64, fallback *int64) *int64 {
	if override != nil {
		return override
	}
	return fallback
}

// Usage returns the usage document for a namespace.
func (s *Service) Usage(ctx context.Context, namespace string) (*Usage, error) {
	if cached := s.cache.Get(ctx, namespace); cached != nil {
		return cached, nil
	}

	ns, err := s.auth.ResolveNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}

	u := &Usage{Namespace: ns.Name}
	if ns.IsOrg {
		u.PrivateUsed = ns.Org.PrivateUsedBytes
		u.PublicUsed = ns.Org.PublicUsedBytes
		u.PrivateQuota = pick(ns.Org.PrivateQuotaBytes, defaultQuota(s.cfg.DefaultOrgPrivateBytes))
		u.PublicQuota = pick(ns.Org.PublicQuotaBytes, defaultQuota(s.cfg.DefaultOrgPublicBytes))
	} else {
		u.PrivateUsed = ns.User.PrivateUsedBytes
		u.PublicUsed = ns.User.PublicUsedBytes
		u.PrivateQuota = pick(ns.User.PrivateQuotaBytes, defaultQuota(s.cfg.DefaultUserPrivateBytes))
		u.PublicQuota = pick(ns.User.PublicQuotaBytes, defaultQuota(s.cfg.DefaultUserPublicBytes))
	}

	s.cache.Set(ctx, namespace, u)
	return u, nil
}

// Check admits additional bytes into a repository's namespace. A nil
// effective quota admits everything. Repo-level quota overrides are
// checked on top of the namespace bucket.
func (s *Service) Check(ctx context.Context, r *repo.Repository, additional int64) error {
	if additional <= 0 {
		return nil
	}

	if r.QuotaBytes != nil && r.UsedBytes+additional > *r.QuotaBytes {
		return hub.QuotaExceeded(fmt.Sprintf(
			"Repository quota exceeded for %s: would use %d of %d bytes",
			r.FullID(), r.UsedBytes+additional, *r.QuotaBytes))
	}

	u, err := s.Usage(ctx, r.Namespace)
	if err != nil {
		return err
	}

	used, quota := u.PublicUsed, u.PublicQuota
	if r.Private {
		used, quota = u.PrivateUsed, u.PrivateQuota
	}
	if quota == nil {
		return nil
	}
	if used+additional > *quota {
		return hub.QuotaExceeded(fmt.Sprintf(
			"Storage quota exceeded for %s: would use %d of %d bytes",
			r.Namespace, used+additional, *quota))
	}
	return nil
}

// Increment records delta bytes against a repository and its namespace
// bucket. Negative deltas release space.
func (s *Service) Increment(ctx context.Context, r *repo.Repository, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := s.store.UpdateUsedBytes(ctx, r.ID, delta); err != nil {
		return err
	}
	var err error
	switch {
	case r.OwnerOrgID != nil:
		err = s.auth.AddOrgUsage(ctx, *r.OwnerOrgID, r.Private, delta)
	case r.OwnerUserID != nil:
		err = s.auth.AddUserUsage(ctx, *r.OwnerUserID, r.Private, delta)
	}
	if err != nil {
		return err
	}
	s.cache.Invalidate(ctx, r.Namespace)
	return nil
}

// Recalculate rebuilds usage counters for a namespace from the registry:
// live regular files plus every retained LFS object, counted once per
// distinct content hash per repository.
func (s *Service) Recalculate(ctx context.Context, namespace string) (*Usage, error) {
	ns, err := s.auth.ResolveNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	repos, err := s.store.ListByNamespace(ctx, ns.Name)
	if err != nil {
		return nil, err
	}

	var privateTotal, publicTotal int64
	for _, r := range repos {
		size, err := s.repoUsage(ctx, r)
		if err != nil {
			return nil, err
		}
		if err := s.store.UpdateUsedBytes(ctx, r.ID, size-r.UsedBytes); err != nil {
			return nil, err
		}
		if r.Private {
			privateTotal += size
		} else {
			publicTotal += size
		}
	}

	if ns.IsOrg {
		err = s.auth.SetOrgUsage(ctx, ns.Org.ID, privateTotal, publicTotal)
	} else {
		err = s.auth.SetUserUsage(ctx, ns.User.ID, privateTotal, publicTotal)
	}
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, namespace)
	s.logger.Info("quota recalculated",
		zap.String("namespace", namespace),
		zap.Int64("private_bytes", privateTotal),
		zap.Int64("public_bytes", publicTotal))
	return s.Usage(ctx, namespace)
}

func (s *Service) repoUsage(ctx context.Context, r *repo.Repository) (int64, error) {
	files, err := s.store.ListFiles(ctx, r.ID, false)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		if !f.LFS {
			total += f.Size
		}
	}

	history, err := s.store.ListLFSHistory(ctx, r.ID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(history))
	for _, h := range history {
		if seen[h.Sha256] {
			continue
		}
		seen[h.Sha256] = true
		total += h.Size
	}
	return total, nil
}
