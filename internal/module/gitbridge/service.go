package gitbridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/lakefs"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Service assembles git views of versioned-store branches: synthesized
// commits, trees and blobs served over the smart HTTP protocol.
type Service struct {
	repos  *repo.Service
	store  repo.Store
	lake   *lakefs.Client
	cfg    *config.Config
	logger *zap.Logger
}

// NewService creates the git bridge service.
func NewService(repos *repo.Service, lake *lakefs.Client, cfg *config.Config, logger *zap.Logger) *Service {
	return &Service{repos: repos, store: repos.Store(), lake: lake, cfg: cfg, logger: logger}
}

type snapFile struct {
	path   string
	sha    [20]byte
	lfs    bool
	sha256 string
	size   int64
}

// Snapshot is the git form of one branch head. The head commit id is a
// pure function of the branch content and store commit metadata, so
// clients see stable ids across fetches.
type Snapshot struct {
	Branch   string
	CommitID string
	Head     object
	trees    []object
	files    []snapFile
}

// HeadSHA returns the synthesized git commit id.
func (s *Snapshot) HeadSHA() string {
	return hex.EncodeToString(s.Head.sha[:])
}

// Snapshot builds the git view of a branch.
func (s *Service) Snapshot(ctx context.Context, r *repo.Repository, branch string) (*Snapshot, error) {
	b, err := s.lake.GetBranch(ctx, r.StoreName(), branch)
	if err != nil {
		if lakefs.IsNotFound(err) {
			return nil, hub.RevisionNotFound(branch)
		}
		return nil, hub.UpstreamUnavailable("Failed to resolve branch", err)
	}
	lakeCommit, err := s.lake.GetCommit(ctx, r.StoreName(), b.CommitID)
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to load commit", err)
	}

	stats, err := s.lake.ListAllObjects(ctx, r.StoreName(), b.CommitID, "")
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to list branch", err)
	}

	files := make([]snapFile, 0, len(stats))
	refs := make([]fileRef, 0, len(stats))
	for _, st := range stats {
		sf := snapFile{path: st.Path, size: st.SizeBytes}
		if f, err := s.store.GetFile(ctx, r.ID, st.Path); err == nil && f.LFS {
			sf.lfs = true
			sf.sha256 = f.Sha256
			sf.size = f.Size
			sf.sha = blobSHA(pointerBlob(f.Sha256, f.Size))
		} else if err == nil && len(f.Sha256) == 40 {
			raw, decErr := hex.DecodeString(f.Sha256)
			if decErr != nil {
				return nil, fmt.Errorf("bad blob id for %s: %w", st.Path, decErr)
			}
			copy(sf.sha[:], raw)
		} else {
			content, fetchErr := s.fetchContent(ctx, r, b.CommitID, st.Path)
			if fetchErr != nil {
				return nil, fetchErr
			}
			sf.sha = blobSHA(content)
		}
		files = append(files, sf)
		refs = append(refs, fileRef{path: sf.path, sha: sf.sha})
	}

	root, trees := buildTrees(refs)
	message := lakeCommit.Message
	if message == "" {
		message = "Sync " + b.CommitID
	}
	head := commitObject(root, s.cfg.Git.AuthorName, s.cfg.Git.AuthorEmail, message, lakeCommit.CreationDate)

	return &Snapshot{
		Branch:   branch,
		CommitID: b.CommitID,
		Head:     head,
		trees:    trees,
		files:    files,
	}, nil
}

func (s *Service) fetchContent(ctx context.Context, r *repo.Repository, ref, path string) ([]byte, error) {
	rc, err := s.lake.GetObject(ctx, r.StoreName(), ref, path)
	if err != nil {
		return nil, hub.UpstreamUnavailable(fmt.Sprintf("Failed to read %s", path), err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, hub.UpstreamUnavailable(fmt.Sprintf("Failed to read %s", path), err)
	}
	return content, nil
}

// PackObjects materializes every object of a snapshot: the commit, all
// trees, and one blob per file. LFS files pack as pointer blobs; their
// bytes stay in the object store.
func (s *Service) PackObjects(ctx context.Context, r *repo.Repository, snap *Snapshot) ([]object, error) {
	objects := make([]object, 0, 1+len(snap.trees)+len(snap.files))
	objects = append(objects, snap.Head)
	objects = append(objects, snap.trees...)

	seen := make(map[[20]byte]bool, len(snap.files))
	for _, f := range snap.files {
		if seen[f.sha] {
			continue
		}
		seen[f.sha] = true

		var content []byte
		if f.lfs {
			content = pointerBlob(f.sha256, f.size)
		} else {
			var err error
			content, err = s.fetchContent(ctx, r, snap.CommitID, f.path)
			if err != nil {
				return nil, err
			}
		}
		objects = append(objects, newBlob(content))
	}
	return objects, nil
}

// SnapshotsForWants maps the wants of a fetch onto branch snapshots.
// Every want must match an advertised branch head.
func (s *Service) SnapshotsForWants(ctx context.Context, r *repo.Repository, wants []string) ([]*Snapshot, error) {
	branches, err := s.lake.ListBranches(ctx, r.StoreName())
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to list branches", err)
	}
	snaps := make([]*Snapshot, 0, len(branches))
	for _, b := range branches {
		snap, err := s.Snapshot(ctx, r, b.ID)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return selectWants(snaps, wants)
}

// selectWants picks the snapshots whose heads the client asked for,
// dropping duplicate wants and rejecting ids that were never advertised.
func selectWants(snaps []*Snapshot, wants []string) ([]*Snapshot, error) {
	byHead := make(map[string]*Snapshot, len(snaps))
	for _, snap := range snaps {
		byHead[snap.HeadSHA()] = snap
	}
	picked := make([]*Snapshot, 0, len(wants))
	seen := make(map[string]bool, len(wants))
	for _, want := range wants {
		if seen[want] {
			continue
		}
		seen[want] = true
		snap, ok := byHead[want]
		if !ok {
			return nil, hub.BadRequest(fmt.Sprintf("not our ref %s", want))
		}
		picked = append(picked, snap)
	}
	return picked, nil
}

// RefLine is one advertised ref.
type RefLine struct {
	SHA  string
	Name string
}

// Refs advertises every branch of a repository as refs/heads/<branch>,
// with HEAD pointing at main.
func (s *Service) Refs(ctx context.Context, r *repo.Repository) ([]RefLine, error) {
	branches, err := s.lake.ListBranches(ctx, r.StoreName())
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to list branches", err)
	}

	var lines []RefLine
	for _, b := range branches {
		snap, err := s.Snapshot(ctx, r, b.ID)
		if err != nil {
			return nil, err
		}
		if b.ID == "main" {
			lines = append([]RefLine{{SHA: snap.HeadSHA(), Name: "HEAD"}}, lines...)
		}
		lines = append(lines, RefLine{SHA: snap.HeadSHA(), Name: "refs/heads/" + b.ID})
	}
	return lines, nil
}
