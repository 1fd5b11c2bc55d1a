package repo

import (
	"encoding/json"
	"fmt"
	"time"
)

// RepoType is the kind of repository. The three types share no naming
// space across each other.
type RepoType string

const (
	TypeModel   RepoType = "model"
	TypeDataset RepoType = "dataset"
	TypeSpace   RepoType = "space"
)

// ParseType validates a repo type string (singular form).
func ParseType(s string) (RepoType, bool) {
	switch RepoType(s) {
	case TypeModel, TypeDataset, TypeSpace:
		return RepoType(s), true
	}
	return "", false
}

// Repository is a registered model, dataset or space.
type Repository struct {
	ID        int64    `gorm:"primaryKey;autoIncrement"`
	RepoType  RepoType `gorm:"not null;uniqueIndex:idx_repo_type_ns_name"`
	Namespace string   `gorm:"not null;uniqueIndex:idx_repo_type_ns_name"`
	Name      string   `gorm:"not null;uniqueIndex:idx_repo_type_ns_name"`
	Private   bool     `gorm:"default:false"`

	// Owner: exactly one of the two is set.
	OwnerUserID *int64 `gorm:"index"`
	OwnerOrgID  *int64 `gorm:"index"`

	// Per-repo LFS overrides; nil falls back to server defaults.
	LFSThresholdBytes *int64
	LFSKeepVersions   *int
	LFSSuffixRules    string // JSON list of glob patterns

	// Per-repo quota override and denormalized usage.
	QuotaBytes *int64
	UsedBytes  int64 `gorm:"default:0"`

	Downloads  int64 `gorm:"default:0"`
	LikesCount int64 `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the database table name.
func (Repository) TableName() string { return "repositories" }

// FullID returns "namespace/name".
func (r *Repository) FullID() string {
	return r.Namespace + "/" + r.Name
}

// StoreName returns the versioned-store repository name for this repo.
func (r *Repository) StoreName() string {
	return fmt.Sprintf("hf-%s-%s-%s", r.RepoType, r.Namespace, r.Name)
}

// SuffixRules parses the JSON suffix rule list; invalid JSON yields an
// empty list.
func (r *Repository) SuffixRules() []string {
	if r.LFSSuffixRules == "" {
		return nil
	}
	var rules []string
	if err := json.Unmarshal([]byte(r.LFSSuffixRules), &rules); err != nil {
		return nil
	}
	return rules
}

// File is a logical file at a path inside a repository branch. Rows are
// soft-deleted by commits; hard deletion only happens on repo deletion,
// move or history squash.
type File struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	RepositoryID int64  `gorm:"not null;uniqueIndex:idx_file_repo_path;constraint:OnDelete:CASCADE"`
	PathInRepo   string `gorm:"not null;uniqueIndex:idx_file_repo_path"`
	Size         int64  `gorm:"not null"`
	// Sha256 holds the canonical content hash: git-blob-SHA1 hex for
	// regular files, SHA-256 hex for LFS files.
	Sha256    string `gorm:"index;not null"`
	LFS       bool   `gorm:"default:false"`
	IsDeleted bool   `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the database table name.
func (File) TableName() string { return "files" }

// Commit records author attribution for a versioned-store commit.
type Commit struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	CommitID     string `gorm:"not null;uniqueIndex:idx_commit_repo_cid"`
	RepositoryID int64  `gorm:"not null;uniqueIndex:idx_commit_repo_cid"`
	Branch       string `gorm:"not null;default:main"`
	UserID       int64  `gorm:"not null"`
	Username     string `gorm:"not null"`
	Message      string
	Description  string
	CreatedAt    time.Time
}

// TableName returns the database table name.
func (Commit) TableName() string { return "commits" }

// StagingUpload tracks an in-flight upload. Rows are keyed by
// (repository, branch, path) and overwritten on retry, never appended.
type StagingUpload struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	RepositoryID int64  `gorm:"not null;uniqueIndex:idx_staging_repo_branch_path"`
	Branch       string `gorm:"not null;uniqueIndex:idx_staging_repo_branch_path"`
	PathInRepo   string `gorm:"not null;uniqueIndex:idx_staging_repo_branch_path"`
	Sha256       string `gorm:"not null"`
	Size         int64  `gorm:"not null"`
	StorageKey   string `gorm:"not null"`
	LFS          bool   `gorm:"default:false"`
	UploadID     *string
	UploaderID   int64
	CreatedAt    time.Time
}

// TableName returns the database table name.
func (StagingUpload) TableName() string { return "staging_uploads" }

// LFSObjectHistory links repo history to content-addressed LFS blobs. The
// file reference is SET NULL on file deletion so the history survives
// soft-deletes; it drives keep-N retention and exact LFS byte accounting.
type LFSObjectHistory struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	RepositoryID int64  `gorm:"not null;index:idx_lfs_history_repo_path,priority:1"`
	FileID       *int64 `gorm:"constraint:OnDelete:SET NULL"`
	PathInRepo   string `gorm:"not null;index:idx_lfs_history_repo_path,priority:2"`
	Sha256       string `gorm:"not null;index"`
	Size         int64  `gorm:"not null"`
	CommitID     string `gorm:"not null"`
	CreatedAt    time.Time
}

// TableName returns the database table name.
func (LFSObjectHistory) TableName() string { return "lfs_object_history" }

// RepositoryLike is one user's like on a repository.
type RepositoryLike struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	RepositoryID int64 `gorm:"not null;uniqueIndex:idx_like_repo_user"`
	UserID       int64 `gorm:"not null;uniqueIndex:idx_like_repo_user"`
	CreatedAt    time.Time
}

// TableName returns the database table name.
func (RepositoryLike) TableName() string { return "repository_likes" }
