package repo

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/lakefs"
	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/storage"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,95}$`)

// ParseRepoID splits "namespace/name" and validates both segments.
func ParseRepoID(id string) (namespace, name string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 2 || !nameRe.MatchString(parts[0]) || !nameRe.MatchString(parts[1]) ||
		strings.Contains(id, "..") {
		return "", "", hub.InvalidRepoID(id)
	}
	return parts[0], parts[1], nil
}

// Accounting drops download accounting rows when a repository goes away.
type Accounting interface {
	Forget(ctx context.Context, repoID int64) error
}

// Service implements the repository registry.
type Service struct {
	store      Store
	auth       *auth.Service
	lake       *lakefs.Client
	s3         *storage.Client
	cfg        *config.Config
	accounting Accounting
	logger     *zap.Logger
}

// NewService creates the registry service.
func NewService(store Store, authSvc *auth.Service, lake *lakefs.Client, s3 *storage.Client, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{store: store, auth: authSvc, lake: lake, s3: s3, cfg: cfg, logger: logger}
}

// SetAccounting attaches download accounting cleanup. Optional.
func (s *Service) SetAccounting(a Accounting) { s.accounting = a }

// Store exposes the data access layer to sibling modules.
func (s *Service) Store() Store { return s.store }

// Get loads a repository row without any permission check.
func (s *Service) Get(ctx context.Context, repoType RepoType, namespace, name string) (*Repository, error) {
	r, err := s.store.Get(ctx, repoType, namespace, name)
	if err != nil {
		if err == ErrRepoNotFound {
			return nil, hub.RepoNotFound(namespace + "/" + name)
		}
		return nil, err
	}
	return r, nil
}

// GetForRead loads a repository and enforces read visibility.
func (s *Service) GetForRead(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) (*Repository, error) {
	r, err := s.Get(ctx, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	if err := s.CheckRead(ctx, p, r); err != nil {
		return nil, err
	}
	return r, nil
}

// CheckRead reports whether the principal may see the repository. Private
// repositories are readable by the owner and by any member of the owning
// org, visitors included. Everyone else gets 401 when anonymous and 403
// when authenticated.
func (s *Service) CheckRead(ctx context.Context, p *auth.Principal, r *Repository) error {
	if !r.Private {
		return nil
	}
	if p.Anonymous() {
		return hub.Unauthorized("")
	}
	if r.OwnerUserID != nil && *r.OwnerUserID == p.User.ID {
		return nil
	}
	if r.OwnerOrgID != nil {
		member, err := s.auth.IsMember(ctx, p.User.ID, *r.OwnerOrgID)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
	}
	return hub.Forbidden(fmt.Sprintf("No read access to %s", r.FullID()))
}

// CheckWrite reports whether the principal may commit to the repository.
func (s *Service) CheckWrite(ctx context.Context, p *auth.Principal, r *Repository) error {
	if p.Anonymous() {
		if r.Private {
			return hub.RepoNotFound(r.FullID())
		}
		return hub.Unauthorized("")
	}
	ok, err := s.hasRole(ctx, p, r, func(owner bool, role auth.Role) bool {
		return owner || role.CanWrite()
	})
	if err != nil {
		return err
	}
	if !ok {
		if r.Private {
			return hub.RepoNotFound(r.FullID())
		}
		return hub.Forbidden(fmt.Sprintf("No write access to %s", r.FullID()))
	}
	return nil
}

// CheckAdmin reports whether the principal may delete or reconfigure the
// repository.
func (s *Service) CheckAdmin(ctx context.Context, p *auth.Principal, r *Repository) error {
	if p.Anonymous() {
		if r.Private {
			return hub.RepoNotFound(r.FullID())
		}
		return hub.Unauthorized("")
	}
	ok, err := s.hasRole(ctx, p, r, func(owner bool, role auth.Role) bool {
		return owner || role.CanAdmin()
	})
	if err != nil {
		return err
	}
	if !ok {
		if r.Private {
			return hub.RepoNotFound(r.FullID())
		}
		return hub.Forbidden(fmt.Sprintf("No admin access to %s", r.FullID()))
	}
	return nil
}

func (s *Service) hasRole(ctx context.Context, p *auth.Principal, r *Repository, allow func(owner bool, role auth.Role) bool) (bool, error) {
	if p.Anonymous() {
		return false, nil
	}
	if r.OwnerUserID != nil && *r.OwnerUserID == p.User.ID {
		return allow(true, auth.RoleVisitor), nil
	}
	if r.OwnerOrgID != nil {
		role, err := s.auth.MembershipRole(ctx, p.User.ID, *r.OwnerOrgID)
		if err != nil {
			return false, err
		}
		return allow(false, role), nil
	}
	return false, nil
}

// Create registers a repository and provisions its versioned-store backing.
func (s *Service) Create(ctx context.Context, p *auth.Principal, req *CreateRequest) (*Repository, error) {
	if p.Anonymous() {
		return nil, hub.Unauthorized("")
	}
	repoType, ok := ParseType(req.Type)
	if !ok {
		return nil, hub.InvalidRepoType(req.Type)
	}
	if !nameRe.MatchString(req.Name) {
		return nil, hub.InvalidRepoID(req.Name)
	}

	namespace := req.Organization
	if namespace == "" {
		namespace = p.User.Name
	}
	allowed, err := s.auth.CanUseNamespace(ctx, p, namespace)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, hub.Forbidden(fmt.Sprintf("Cannot create repositories under %s", namespace))
	}

	r := &Repository{
		RepoType:  repoType,
		Namespace: namespace,
		Name:      req.Name,
		Private:   req.Private,
	}
	ns, err := s.auth.ResolveNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if ns.IsOrg {
		r.OwnerOrgID = &ns.Org.ID
	} else {
		r.OwnerUserID = &ns.User.ID
	}

	if err := s.store.Create(ctx, r); err != nil {
		if err == ErrRepoExists {
			return nil, hub.RepoExists(r.FullID())
		}
		return nil, err
	}

	storageNS := fmt.Sprintf("s3://%s/%s", s.s3.Bucket(), r.StoreName())
	if _, err := s.lake.CreateRepo(ctx, r.StoreName(), storageNS, "main"); err != nil {
		if delErr := s.store.Delete(ctx, r.ID); delErr != nil {
			s.logger.Error("rollback of repo row failed",
				zap.String("repo", r.FullID()), zap.Error(delErr))
		}
		return nil, hub.UpstreamUnavailable("Failed to provision repository storage", err)
	}

	s.logger.Info("repository created",
		zap.String("repo", r.FullID()),
		zap.String("type", string(repoType)),
		zap.Bool("private", r.Private))
	return r, nil
}

// Delete removes a repository, its store backing and its object data.
func (s *Service) Delete(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) error {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return err
	}
	if err := s.CheckAdmin(ctx, p, r); err != nil {
		return err
	}

	if err := s.lake.DeleteRepo(ctx, r.StoreName(), true); err != nil && !lakefs.IsNotFound(err) {
		return hub.UpstreamUnavailable("Failed to delete repository storage", err)
	}
	if err := s.store.Delete(ctx, r.ID); err != nil {
		return err
	}

	// Physical cleanup is best-effort; orphans are reclaimed offline.
	prefix := r.StoreName() + "/"
	if err := s.s3.DeleteObjectsWithPrefix(ctx, prefix); err != nil {
		s.logger.Warn("object cleanup failed",
			zap.String("repo", r.FullID()), zap.String("prefix", prefix), zap.Error(err))
	}
	if s.accounting != nil {
		if err := s.accounting.Forget(ctx, r.ID); err != nil {
			s.logger.Warn("download accounting cleanup failed",
				zap.String("repo", r.FullID()), zap.Error(err))
		}
	}

	s.logger.Info("repository deleted", zap.String("repo", r.FullID()))
	return nil
}

// Move renames a repository, relocating its store backing and objects.
func (s *Service) Move(ctx context.Context, p *auth.Principal, req *MoveRequest) (*Repository, error) {
	repoType, ok := ParseType(req.Type)
	if !ok {
		return nil, hub.InvalidRepoType(req.Type)
	}
	fromNS, fromName, err := ParseRepoID(req.FromRepo)
	if err != nil {
		return nil, err
	}
	toNS, toName, err := ParseRepoID(req.ToRepo)
	if err != nil {
		return nil, err
	}

	r, err := s.GetForRead(ctx, p, repoType, fromNS, fromName)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAdmin(ctx, p, r); err != nil {
		return nil, err
	}
	allowed, err := s.auth.CanUseNamespace(ctx, p, toNS)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, hub.Forbidden(fmt.Sprintf("Cannot move repositories into %s", toNS))
	}
	if _, err := s.store.Get(ctx, repoType, toNS, toName); err == nil {
		return nil, hub.RepoExists(toNS + "/" + toName)
	} else if err != ErrRepoNotFound {
		return nil, err
	}

	oldStore := r.StoreName()
	moved := *r
	moved.Namespace, moved.Name = toNS, toName
	newStore := moved.StoreName()

	storageNS := fmt.Sprintf("s3://%s/%s", s.s3.Bucket(), newStore)
	if _, err := s.lake.CreateRepo(ctx, newStore, storageNS, "main"); err != nil {
		return nil, hub.UpstreamUnavailable("Failed to provision target storage", err)
	}
	if err := s.s3.CopyFolder(ctx, oldStore+"/", newStore+"/"); err != nil {
		return nil, hub.UpstreamUnavailable("Failed to copy repository objects", err)
	}
	if err := s.store.Rename(ctx, r.ID, toNS, toName); err != nil {
		return nil, err
	}

	if err := s.lake.DeleteRepo(ctx, oldStore, true); err != nil && !lakefs.IsNotFound(err) {
		s.logger.Warn("stale store repo left after move",
			zap.String("repo", oldStore), zap.Error(err))
	}
	if err := s.s3.DeleteObjectsWithPrefix(ctx, oldStore+"/"); err != nil {
		s.logger.Warn("stale objects left after move",
			zap.String("prefix", oldStore+"/"), zap.Error(err))
	}

	s.logger.Info("repository moved",
		zap.String("from", req.FromRepo), zap.String("to", req.ToRepo))
	r.Namespace, r.Name = toNS, toName
	return r, nil
}

// ResolveRevision maps a revision name (branch or commit id) to a commit id.
func (s *Service) ResolveRevision(ctx context.Context, r *Repository, revision string) (string, error) {
	if revision == "" {
		revision = "main"
	}
	branch, err := s.lake.GetBranch(ctx, r.StoreName(), revision)
	if err == nil {
		return branch.CommitID, nil
	}
	if !lakefs.IsNotFound(err) {
		return "", hub.UpstreamUnavailable("Failed to resolve revision", err)
	}
	commit, err := s.lake.GetCommit(ctx, r.StoreName(), revision)
	if err != nil {
		if lakefs.IsNotFound(err) {
			return "", hub.RevisionNotFound(revision)
		}
		return "", hub.UpstreamUnavailable("Failed to resolve revision", err)
	}
	return commit.ID, nil
}

// Info assembles the HF repo info document at a revision.
func (s *Service) Info(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name, revision string) (*Info, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	commitID, err := s.ResolveRevision(ctx, r, revision)
	if err != nil {
		return nil, err
	}

	files, err := s.store.ListFiles(ctx, r.ID, false)
	if err != nil {
		return nil, err
	}
	siblings := make([]Sibling, 0, len(files))
	for _, f := range files {
		siblings = append(siblings, Sibling{RFilename: f.PathInRepo})
	}

	lastModified := r.UpdatedAt
	if commit, err := s.lake.GetCommit(ctx, r.StoreName(), commitID); err == nil {
		lastModified = time.Unix(commit.CreationDate, 0).UTC()
	}

	return &Info{
		ID:           r.FullID(),
		Author:       r.Namespace,
		SHA:          commitID,
		LastModified: lastModified,
		CreatedAt:    r.CreatedAt,
		Private:      r.Private,
		Downloads:    r.Downloads,
		Likes:        r.LikesCount,
		Tags:         []string{},
		Siblings:     siblings,
	}, nil
}

// Refs lists branches of a repository.
func (s *Service) Refs(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) (*Refs, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	branches, err := s.lake.ListBranches(ctx, r.StoreName())
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to list branches", err)
	}
	out := &Refs{Branches: make([]RevisionRef, 0, len(branches)), Tags: []RevisionRef{}}
	for _, b := range branches {
		out.Branches = append(out.Branches, RevisionRef{
			Name:         b.ID,
			Ref:          "refs/heads/" + b.ID,
			TargetCommit: b.CommitID,
		})
	}
	return out, nil
}

// Commits lists recorded commits with author attribution.
func (s *Service) Commits(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name, branch string, limit int) ([]CommitInfo, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = "main"
	}
	commits, err := s.store.ListCommits(ctx, r.ID, branch, limit)
	if err != nil {
		return nil, err
	}
	out := make([]CommitInfo, 0, len(commits))
	for _, c := range commits {
		out = append(out, CommitInfo{
			ID:      c.CommitID,
			Title:   c.Message,
			Message: c.Description,
			Author:  c.Username,
			Date:    c.CreatedAt,
		})
	}
	return out, nil
}

// dirOID derives a stable identifier for a directory at a commit.
func dirOID(commitID, dir string) string {
	sum := sha1.Sum([]byte("tree:" + commitID + ":" + dir))
	return hex.EncodeToString(sum[:])
}

// Tree lists one directory level (or the whole subtree when recursive) of a
// revision. Directory entries aggregate descendant size and newest mtime.
func (s *Service) Tree(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name, revision, path string, recursive bool) ([]TreeEntry, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	commitID, err := s.ResolveRevision(ctx, r, revision)
	if err != nil {
		return nil, err
	}

	prefix := strings.Trim(path, "/")
	if prefix != "" {
		prefix += "/"
	}
	delimiter := "/"
	if recursive {
		delimiter = ""
	}

	var stats []lakefs.ObjectStats
	after := ""
	for {
		page, err := s.lake.ListObjects(ctx, r.StoreName(), commitID, prefix, delimiter, 1000, after)
		if err != nil {
			if lakefs.IsNotFound(err) {
				return nil, hub.EntryNotFound(path)
			}
			return nil, hub.UpstreamUnavailable("Failed to list tree", err)
		}
		stats = append(stats, page.Results...)
		if !page.Pagination.HasMore {
			break
		}
		after = page.Pagination.NextOffset
	}
	if len(stats) == 0 && prefix != "" {
		return nil, hub.EntryNotFound(path)
	}

	entries := make([]TreeEntry, 0, len(stats))
	for _, st := range stats {
		if st.PathType == "common_prefix" {
			entry, err := s.dirEntry(ctx, r, commitID, st.Path)
			if err != nil {
				return nil, err
			}
			entries = append(entries, *entry)
			continue
		}
		entries = append(entries, s.fileEntry(ctx, r, st))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (s *Service) dirEntry(ctx context.Context, r *Repository, commitID, prefix string) (*TreeEntry, error) {
	children, err := s.lake.ListAllObjects(ctx, r.StoreName(), commitID, prefix)
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to size directory", err)
	}
	var total int64
	var newest int64
	for _, c := range children {
		total += c.SizeBytes
		if c.Mtime > newest {
			newest = c.Mtime
		}
	}
	entry := &TreeEntry{
		Type: "directory",
		OID:  dirOID(commitID, strings.TrimSuffix(prefix, "/")),
		Size: total,
		Path: strings.TrimSuffix(prefix, "/"),
	}
	if newest > 0 {
		t := time.Unix(newest, 0).UTC()
		entry.LastModified = &t
	}
	return entry, nil
}

func (s *Service) fileEntry(ctx context.Context, r *Repository, st lakefs.ObjectStats) TreeEntry {
	entry := TreeEntry{
		Type: "file",
		OID:  st.Checksum,
		Size: st.SizeBytes,
		Path: st.Path,
	}
	if st.Mtime > 0 {
		t := time.Unix(st.Mtime, 0).UTC()
		entry.LastModified = &t
	}
	if f, err := s.store.GetFile(ctx, r.ID, st.Path); err == nil {
		entry.OID = f.Sha256
		if f.LFS {
			entry.LFS = &LFSFileInfo{
				OID:         f.Sha256,
				Size:        f.Size,
				PointerSize: pointerSize(f.Sha256, f.Size),
			}
		}
	}
	return entry
}

// pointerSize is the byte length of the git-lfs pointer blob for an object.
func pointerSize(sha256 string, size int64) int {
	return len(fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", sha256, size))
}

// PathsInfo resolves a set of paths at a revision to entries; unknown paths
// are silently dropped, matching hub client expectations.
func (s *Service) PathsInfo(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name, revision string, paths []string) ([]TreeEntry, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	commitID, err := s.ResolveRevision(ctx, r, revision)
	if err != nil {
		return nil, err
	}

	entries := make([]TreeEntry, 0, len(paths))
	for _, raw := range paths {
		clean := strings.Trim(raw, "/")
		if clean == "" {
			continue
		}
		st, err := s.lake.StatObject(ctx, r.StoreName(), commitID, clean)
		if err == nil {
			entries = append(entries, s.fileEntry(ctx, r, *st))
			continue
		}
		if !lakefs.IsNotFound(err) {
			return nil, hub.UpstreamUnavailable("Failed to stat path", err)
		}
		// Maybe a directory.
		page, err := s.lake.ListObjects(ctx, r.StoreName(), commitID, clean+"/", "", 1, "")
		if err != nil || len(page.Results) == 0 {
			continue
		}
		entry, err := s.dirEntry(ctx, r, commitID, clean+"/")
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// List returns repositories of one type visible to the principal.
func (s *Service) List(ctx context.Context, p *auth.Principal, repoType RepoType, author string, limit int) ([]*Repository, error) {
	filter := &ListFilter{Author: author, Limit: limit}
	if !p.Anonymous() {
		filter.ViewerUserID = &p.User.ID
		orgIDs, err := s.auth.MemberOrgIDs(ctx, p.User.ID)
		if err != nil {
			return nil, err
		}
		filter.ViewerOrgIDs = orgIDs
	}
	return s.store.List(ctx, repoType, filter)
}

// Like marks a repository as liked by the caller.
func (s *Service) Like(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) error {
	if p.Anonymous() {
		return hub.Unauthorized("")
	}
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return err
	}
	if err := s.store.AddLike(ctx, r.ID, p.User.ID); err != nil {
		if err == ErrLikeExists {
			return hub.BadRequest("Repository already liked")
		}
		return err
	}
	return nil
}

// Unlike removes the caller's like.
func (s *Service) Unlike(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) error {
	if p.Anonymous() {
		return hub.Unauthorized("")
	}
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return err
	}
	if err := s.store.RemoveLike(ctx, r.ID, p.User.ID); err != nil {
		if err == ErrLikeNotFound {
			return hub.BadRequest("Repository not liked")
		}
		return err
	}
	return nil
}

// Liked reports whether the caller likes the repository. Anonymous
// callers like nothing.
func (s *Service) Liked(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) (bool, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return false, err
	}
	if p.Anonymous() {
		return false, nil
	}
	return s.store.HasLike(ctx, r.ID, p.User.ID)
}

// Likers lists usernames who liked a repository.
func (s *Service) Likers(ctx context.Context, p *auth.Principal, repoType RepoType, namespace, name string) ([]string, error) {
	r, err := s.GetForRead(ctx, p, repoType, namespace, name)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.ListLikerIDs(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		user, err := s.auth.GetUserByID(ctx, id)
		if err != nil {
			continue
		}
		names = append(names, user.Name)
	}
	return names, nil
}
