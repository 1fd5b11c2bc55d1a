package upload

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kohakuhub/kohakuhub/internal/lakefs"
	"github.com/kohakuhub/kohakuhub/internal/module/auth"
	"github.com/kohakuhub/kohakuhub/internal/module/quota"
	"github.com/kohakuhub/kohakuhub/internal/module/repo"
	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
	"github.com/kohakuhub/kohakuhub/internal/shared/metrics"
	"github.com/kohakuhub/kohakuhub/internal/storage"
)

// maxCommitLine bounds one NDJSON line of a commit payload; inline file
// content is base64 so this caps regular files well above the LFS
// threshold.
const maxCommitLine = 64 * 1024 * 1024

var oidRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Service implements the upload pipeline: preupload negotiation and
// commit promotion.
type Service struct {
	repos   *repo.Service
	store   repo.Store
	lake    *lakefs.Client
	s3      *storage.Client
	quota   *quota.Service
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates the upload service. m may be nil.
func NewService(repos *repo.Service, lake *lakefs.Client, s3 *storage.Client, quotaSvc *quota.Service, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		repos:   repos,
		store:   repos.Store(),
		lake:    lake,
		s3:      s3,
		quota:   quotaSvc,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Preupload negotiates upload modes for a batch of files: which go
// through LFS, and which are already present and can be skipped. Files
// that will upload get a staging row keyed by (repo, branch, path) so an
// interrupted transfer can be retried or reaped.
func (s *Service) Preupload(ctx context.Context, p *auth.Principal, r *repo.Repository, revision string, req *PreuploadRequest) (*PreuploadResponse, error) {
	branch := revision
	if branch == "" {
		branch = "main"
	}
	policy := repo.EffectivePolicy(r, &s.cfg.LFS)

	var uploaderID int64
	if !p.Anonymous() {
		uploaderID = p.User.ID
	}

	resp := &PreuploadResponse{Files: make([]PreuploadResult, 0, len(req.Files))}
	var staged []*repo.StagingUpload
	var additional int64
	for _, f := range req.Files {
		clean := strings.Trim(path.Clean(f.Path), "/")
		if clean == "" || strings.HasPrefix(clean, "..") {
			return nil, hub.BadRequest(fmt.Sprintf("Invalid path %q", f.Path))
		}

		result := PreuploadResult{Path: clean, UploadMode: "regular"}
		if policy.IsLFS(clean, f.Size) {
			result.UploadMode = "lfs"
		}

		// A file whose content already lives at this path needs no upload.
		if f.Sha != "" {
			existing, err := s.store.GetFile(ctx, r.ID, clean)
			if err == nil && !existing.IsDeleted &&
				existing.Sha256 == f.Sha && existing.Size == f.Size {
				result.ShouldIgnore = true
			}
		}
		// No declared hash: compare the client's content sample against
		// the bytes the versioned store holds at this path.
		if !result.ShouldIgnore && f.Sample != "" {
			result.ShouldIgnore = s.sampleMatches(ctx, r, branch, clean, &f)
		}
		if !result.ShouldIgnore {
			additional += f.Size
			sha := strings.ToLower(f.Sha)
			storageKey := ""
			if result.UploadMode == "lfs" && oidRe.MatchString(sha) {
				storageKey = LFSKey(sha)
			}
			staged = append(staged, &repo.StagingUpload{
				RepositoryID: r.ID,
				Branch:       branch,
				PathInRepo:   clean,
				Sha256:       sha,
				Size:         f.Size,
				StorageKey:   storageKey,
				LFS:          result.UploadMode == "lfs",
				UploaderID:   uploaderID,
			})
		}
		resp.Files = append(resp.Files, result)
	}

	if err := s.quota.Check(ctx, r, additional); err != nil {
		return nil, err
	}
	for _, up := range staged {
		if err := s.store.UpsertStaging(ctx, up); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// sampleMatches reports whether a base64 content sample matches the
// object already stored at the path on this revision: same size and the
// sample's sha256 equals the stored checksum.
func (s *Service) sampleMatches(ctx context.Context, r *repo.Repository, revision, filePath string, f *PreuploadFile) bool {
	decoded, err := base64.StdEncoding.DecodeString(f.Sample)
	if err != nil {
		return false
	}
	st, err := s.lake.StatObject(ctx, r.StoreName(), revision, filePath)
	if err != nil || st.SizeBytes != f.Size {
		return false
	}
	sum := sha256.Sum256(decoded)
	return hex.EncodeToString(sum[:]) == st.Checksum
}

// commitPlan is the parsed form of a commit payload.
type commitPlan struct {
	summary     string
	description string
	files       []commitOp
	lfsFiles    []commitOp
	deleted     []string
	folders     []string
}

func parseCommit(body io.Reader) (*commitPlan, error) {
	plan := &commitPlan{summary: "Update"}
	reader := bufio.NewReaderSize(body, 64*1024)
	for {
		line, err := readLine(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, hub.BadRequest("Malformed commit payload")
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var op commitOp
		if err := json.Unmarshal(line, &op); err != nil {
			return nil, hub.BadRequest("Malformed commit operation")
		}
		switch op.Key {
		case "header":
			if op.Value.Summary != "" {
				plan.summary = op.Value.Summary
			}
			plan.description = op.Value.Description
		case "file":
			plan.files = append(plan.files, op)
		case "lfsFile":
			plan.lfsFiles = append(plan.lfsFiles, op)
		case "deletedFile":
			plan.deleted = append(plan.deleted, strings.Trim(op.Value.Path, "/"))
		case "deletedFolder":
			plan.folders = append(plan.folders, strings.Trim(op.Value.Path, "/"))
		default:
			return nil, hub.BadRequest(fmt.Sprintf("Unknown commit operation %q", op.Key))
		}
	}
	return plan, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadBytes('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxCommitLine {
			return nil, fmt.Errorf("commit line too long")
		}
		if err == nil || (err == io.EOF && len(buf) > 0) {
			return buf, nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// Commit promotes a commit payload: content goes to the versioned store,
// the store branch is committed, then the registry is updated in one
// transaction. The registry update comes last; a drift between store and
// registry is logged, never hidden behind a retry.
func (s *Service) Commit(ctx context.Context, p *auth.Principal, r *repo.Repository, revision string, body io.Reader) (*CommitResponse, error) {
	branch := revision
	if branch == "" {
		branch = "main"
	}
	if _, err := s.lake.GetBranch(ctx, r.StoreName(), branch); err != nil {
		if lakefs.IsNotFound(err) {
			return nil, hub.RevisionNotFound(branch)
		}
		return nil, hub.UpstreamUnavailable("Failed to resolve branch", err)
	}

	plan, err := parseCommit(body)
	if err != nil {
		return nil, err
	}

	type fileChange struct {
		path    string
		oid     string
		size    int64
		lfs     bool
		delta   int64
		history bool
	}
	var changes []fileChange
	var deletions []string
	var totalDelta int64
	var admission int64

	// Regular files: decode and push content into the store.
	for _, op := range plan.files {
		clean := strings.Trim(path.Clean(op.Value.Path), "/")
		if clean == "" || strings.HasPrefix(clean, "..") {
			return nil, hub.BadRequest(fmt.Sprintf("Invalid path %q", op.Value.Path))
		}
		if op.Value.Encoding != "" && op.Value.Encoding != "base64" {
			return nil, hub.BadRequest(fmt.Sprintf("Unsupported encoding %q", op.Value.Encoding))
		}
		content, err := base64.StdEncoding.DecodeString(op.Value.Content)
		if err != nil {
			return nil, hub.BadRequest(fmt.Sprintf("Invalid base64 content for %s", clean))
		}

		change := fileChange{
			path: clean,
			oid:  GitBlobSHA1(content),
			size: int64(len(content)),
		}
		if existing, err := s.store.GetFile(ctx, r.ID, clean); err == nil && !existing.IsDeleted {
			if !existing.LFS {
				change.delta = change.size - existing.Size
			} else {
				change.delta = change.size
			}
		} else {
			change.delta = change.size
		}
		admission += change.size
		changes = append(changes, change)

		if _, err := s.lake.UploadObject(ctx, r.StoreName(), branch, clean, bytes.NewReader(content)); err != nil {
			return nil, hub.UpstreamUnavailable(fmt.Sprintf("Failed to store %s", clean), err)
		}
	}

	// LFS files: content was uploaded out of band; link it in.
	for _, op := range plan.lfsFiles {
		clean := strings.Trim(path.Clean(op.Value.Path), "/")
		oid := strings.ToLower(op.Value.OID)
		if clean == "" || !oidRe.MatchString(oid) {
			return nil, hub.BadRequest(fmt.Sprintf("Invalid LFS reference for %q", op.Value.Path))
		}
		if op.Value.Algo != "" && op.Value.Algo != "sha256" {
			return nil, hub.BadRequest(fmt.Sprintf("Unsupported LFS algo %q", op.Value.Algo))
		}

		key := LFSKey(oid)
		exists, err := s.s3.ObjectExists(ctx, key)
		if err != nil {
			return nil, hub.UpstreamUnavailable("Failed to check LFS object", err)
		}
		if !exists {
			if s.metrics != nil {
				s.metrics.LFSUploadsTotal.WithLabelValues("missing").Inc()
			}
			return nil, hub.BadRequest(fmt.Sprintf("LFS object %s was never uploaded", oid))
		}

		change := fileChange{path: clean, oid: oid, size: op.Value.Size, lfs: true, history: true}
		// Content already charged to this repo keeps its single charge.
		known, err := s.store.HasLFSHistory(ctx, r.ID, oid)
		if err != nil {
			return nil, err
		}
		if !known {
			change.delta = op.Value.Size
			admission += op.Value.Size
		}
		changes = append(changes, change)

		physical := fmt.Sprintf("s3://%s/%s", s.s3.Bucket(), key)
		if _, err := s.lake.LinkPhysicalAddress(ctx, r.StoreName(), branch, clean, physical, oid, op.Value.Size); err != nil {
			return nil, hub.UpstreamUnavailable(fmt.Sprintf("Failed to link %s", clean), err)
		}
		if s.metrics != nil {
			s.metrics.LFSUploadsTotal.WithLabelValues("linked").Inc()
		}
	}

	if err := s.quota.Check(ctx, r, admission); err != nil {
		return nil, err
	}

	// Deletions.
	deletions = append(deletions, plan.deleted...)
	for _, folder := range plan.folders {
		files, err := s.store.ListFiles(ctx, r.ID, false)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if strings.HasPrefix(f.PathInRepo, folder+"/") {
				deletions = append(deletions, f.PathInRepo)
			}
		}
	}
	for _, del := range deletions {
		if err := s.lake.DeleteObject(ctx, r.StoreName(), branch, del); err != nil && !lakefs.IsNotFound(err) {
			return nil, hub.UpstreamUnavailable(fmt.Sprintf("Failed to delete %s", del), err)
		}
		if f, err := s.store.GetFile(ctx, r.ID, del); err == nil && !f.IsDeleted && !f.LFS {
			totalDelta -= f.Size
		}
	}

	if len(changes) == 0 && len(deletions) == 0 {
		return nil, hub.BadRequest("Empty commit")
	}

	message := plan.summary
	if plan.description != "" {
		message = plan.summary + "\n\n" + plan.description
	}
	lakeCommit, err := s.lake.CommitBranch(ctx, r.StoreName(), branch, message, map[string]string{
		"author":   p.Username(),
		"hub_repo": r.FullID(),
	})
	if err != nil {
		return nil, hub.UpstreamUnavailable("Failed to commit", err)
	}

	for _, ch := range changes {
		totalDelta += ch.delta
	}

	policy := repo.EffectivePolicy(r, &s.cfg.LFS)
	var prunedBytes int64
	err = s.store.Tx(ctx, func(tx repo.Store) error {
		prunedBytes = 0
		for _, ch := range changes {
			f := &repo.File{
				RepositoryID: r.ID,
				PathInRepo:   ch.path,
				Size:         ch.size,
				Sha256:       ch.oid,
				LFS:          ch.lfs,
			}
			if err := tx.UpsertFile(ctx, f); err != nil {
				return err
			}
			if ch.history {
				if err := tx.AppendLFSHistory(ctx, &repo.LFSObjectHistory{
					RepositoryID: r.ID,
					FileID:       &f.ID,
					PathInRepo:   ch.path,
					Sha256:       ch.oid,
					Size:         ch.size,
					CommitID:     lakeCommit.ID,
				}); err != nil {
					return err
				}
				// Keep-N retention: versions pushed past the window stop
				// counting against the namespace.
				released, err := tx.PruneLFSHistory(ctx, r.ID, ch.path, policy.KeepVersions)
				if err != nil {
					return err
				}
				prunedBytes += released
			}
			if err := tx.DeleteStaging(ctx, r.ID, branch, ch.path); err != nil {
				return err
			}
		}
		for _, del := range deletions {
			if err := tx.SoftDeleteFile(ctx, r.ID, del); err != nil {
				return err
			}
		}
		return tx.CreateCommit(ctx, &repo.Commit{
			CommitID:     lakeCommit.ID,
			RepositoryID: r.ID,
			Branch:       branch,
			UserID:       p.User.ID,
			Username:     p.Username(),
			Message:      plan.summary,
			Description:  plan.description,
		})
	})
	if err != nil {
		// The store already holds the commit; surface the drift loudly.
		s.logger.Error("registry update failed after store commit",
			zap.String("repo", r.FullID()),
			zap.String("commit", lakeCommit.ID),
			zap.Error(err))
		return nil, hub.ServerError("Commit recorded but registry update failed", err)
	}
	totalDelta -= prunedBytes

	if err := s.quota.Increment(ctx, r, totalDelta); err != nil {
		s.logger.Warn("usage accounting failed",
			zap.String("repo", r.FullID()), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.CommitsTotal.Inc()
	}

	s.logger.Info("commit promoted",
		zap.String("repo", r.FullID()),
		zap.String("branch", branch),
		zap.String("commit", lakeCommit.ID),
		zap.Int("files", len(changes)),
		zap.Int("deletions", len(deletions)))

	return &CommitResponse{
		CommitURL: fmt.Sprintf("%s/%ss/%s/commit/%s", s.cfg.App.BaseURL, r.RepoType, r.FullID(), lakeCommit.ID),
		CommitOID: lakeCommit.ID,
		Success:   true,
	}, nil
}

// Resolved describes a file resolved at a revision for download.
type Resolved struct {
	CommitID     string
	Path         string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	LFS          bool
	Sha256       string
	URL          string
}

// Resolve locates a file at a revision and presigns its download.
// presign=false skips URL generation (HEAD requests).
func (s *Service) Resolve(ctx context.Context, r *repo.Repository, revision, filePath string, presign bool) (*Resolved, error) {
	commitID, err := s.repos.ResolveRevision(ctx, r, revision)
	if err != nil {
		return nil, err
	}

	st, err := s.lake.StatObject(ctx, r.StoreName(), commitID, filePath)
	if err != nil {
		if lakefs.IsNotFound(err) {
			return nil, hub.EntryNotFound(filePath)
		}
		return nil, hub.UpstreamUnavailable("Failed to stat file", err)
	}

	res := &Resolved{
		CommitID:    commitID,
		Path:        filePath,
		Size:        st.SizeBytes,
		ETag:        st.Checksum,
		ContentType: st.ContentType,
	}
	if st.Mtime > 0 {
		res.LastModified = time.Unix(st.Mtime, 0).UTC()
	}

	// The store must hand back an address inside our object store; any
	// other scheme means a misconfigured or tampered backing store.
	if !strings.HasPrefix(st.PhysicalAddress, "s3://") {
		return nil, hub.ServerError(fmt.Sprintf(
			"Unexpected physical address scheme for %s", filePath), nil)
	}
	if f, err := s.store.GetFile(ctx, r.ID, filePath); err == nil && f.LFS {
		res.LFS = true
		res.Sha256 = f.Sha256
		res.ETag = f.Sha256
		res.Size = f.Size
	} else if err == nil {
		res.ETag = f.Sha256
	}

	if presign {
		key := strings.TrimPrefix(st.PhysicalAddress, fmt.Sprintf("s3://%s/", s.s3.Bucket()))
		if res.LFS {
			key = LFSKey(res.Sha256)
		}
		url, err := s.s3.PresignDownload(ctx, key, s.cfg.S3.PresignExpiry, path.Base(filePath))
		if err != nil {
			return nil, hub.UpstreamUnavailable("Failed to presign download", err)
		}
		res.URL = url
	}
	return res, nil
}
