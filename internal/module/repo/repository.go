package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Data access errors.
var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrFileNotFound = errors.New("file not found")
	ErrRepoExists   = errors.New("repository already exists")
	ErrLikeExists   = errors.New("already liked")
	ErrLikeNotFound = errors.New("not liked")
)

// ListFilter narrows repository listings. A nil viewer sees only public
// repositories.
type ListFilter struct {
	Author       string
	Limit        int
	ViewerUserID *int64
	ViewerOrgIDs []int64
}

// Store defines data access for the registry.
type Store interface {
	Tx(ctx context.Context, fn func(tx Store) error) error

	Create(ctx context.Context, r *Repository) error
	Get(ctx context.Context, repoType RepoType, namespace, name string) (*Repository, error)
	GetByID(ctx context.Context, id int64) (*Repository, error)
	List(ctx context.Context, repoType RepoType, filter *ListFilter) ([]*Repository, error)
	ListByNamespace(ctx context.Context, namespace string) ([]*Repository, error)
	Rename(ctx context.Context, id int64, newNamespace, newName string) error
	Delete(ctx context.Context, id int64) error
	IncrementDownloads(ctx context.Context, id int64) error
	UpdateUsedBytes(ctx context.Context, id int64, delta int64) error

	UpsertFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, repoID int64, path string) (*File, error)
	GetFileBySha(ctx context.Context, sha256 string) (*File, error)
	ListFiles(ctx context.Context, repoID int64, includeDeleted bool) ([]*File, error)
	SoftDeleteFile(ctx context.Context, repoID int64, path string) error

	CreateCommit(ctx context.Context, c *Commit) error
	ListCommits(ctx context.Context, repoID int64, branch string, limit int) ([]*Commit, error)

	UpsertStaging(ctx context.Context, s *StagingUpload) error
	DeleteStaging(ctx context.Context, repoID int64, branch, path string) error

	AppendLFSHistory(ctx context.Context, h *LFSObjectHistory) error
	ListLFSHistory(ctx context.Context, repoID int64) ([]*LFSObjectHistory, error)
	HasLFSHistory(ctx context.Context, repoID int64, sha256 string) (bool, error)
	PruneLFSHistory(ctx context.Context, repoID int64, path string, keep int) (int64, error)

	AddLike(ctx context.Context, repoID, userID int64) error
	RemoveLike(ctx context.Context, repoID, userID int64) error
	HasLike(ctx context.Context, repoID, userID int64) (bool, error)
	ListLikerIDs(ctx context.Context, repoID int64) ([]int64, error)
}

type store struct {
	db *gorm.DB
}

// NewStore creates the registry data access layer.
func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

// Tx runs fn inside a database transaction; the passed Store is bound to
// the transaction.
func (s *store) Tx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{db: tx})
	})
}

// --- Repository rows ---

func (s *store) Create(ctx context.Context, r *Repository) error {
	err := s.db.WithContext(ctx).Create(r).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrRepoExists
	}
	return err
}

func (s *store) Get(ctx context.Context, repoType RepoType, namespace, name string) (*Repository, error) {
	var r Repository
	err := s.db.WithContext(ctx).
		Where("repo_type = ? AND namespace = ? AND name = ?", repoType, namespace, name).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRepoNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *store) GetByID(ctx context.Context, id int64) (*Repository, error) {
	var r Repository
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRepoNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *store) List(ctx context.Context, repoType RepoType, filter *ListFilter) ([]*Repository, error) {
	query := s.db.WithContext(ctx).Model(&Repository{}).Where("repo_type = ?", repoType)

	if filter != nil && filter.Author != "" {
		query = query.Where("namespace = ?", filter.Author)
	}

	// Privacy: public, plus repos the viewer owns directly or via an org.
	if filter == nil || filter.ViewerUserID == nil {
		query = query.Where("private = ?", false)
	} else if len(filter.ViewerOrgIDs) > 0 {
		query = query.Where("private = ? OR owner_user_id = ? OR owner_org_id IN ?",
			false, *filter.ViewerUserID, filter.ViewerOrgIDs)
	} else {
		query = query.Where("private = ? OR owner_user_id = ?", false, *filter.ViewerUserID)
	}

	query = query.Order("downloads DESC, created_at DESC")
	if filter != nil && filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var repos []*Repository
	err := query.Find(&repos).Error
	return repos, err
}

func (s *store) ListByNamespace(ctx context.Context, namespace string) ([]*Repository, error) {
	var repos []*Repository
	err := s.db.WithContext(ctx).
		Where("namespace = ?", namespace).
		Find(&repos).Error
	return repos, err
}

func (s *store) Rename(ctx context.Context, id int64, newNamespace, newName string) error {
	return s.db.WithContext(ctx).
		Model(&Repository{}).
		Where("id = ?", id).
		Updates(map[string]any{"namespace": newNamespace, "name": newName}).Error
}

// Delete removes the repository row and everything owned by it.
func (s *store) Delete(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := []any{
			&File{}, &StagingUpload{}, &Commit{}, &LFSObjectHistory{},
			&RepositoryLike{},
		}
		for _, model := range owned {
			if err := tx.Where("repository_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Repository{}, "id = ?", id).Error
	})
}

func (s *store) IncrementDownloads(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).
		Model(&Repository{}).
		Where("id = ?", id).
		Update("downloads", gorm.Expr("downloads + 1")).Error
}

func (s *store) UpdateUsedBytes(ctx context.Context, id int64, delta int64) error {
	return s.db.WithContext(ctx).
		Model(&Repository{}).
		Where("id = ?", id).
		Update("used_bytes", gorm.Expr("used_bytes + ?", delta)).Error
}

// --- Files ---

func (s *store) UpsertFile(ctx context.Context, f *File) error {
	f.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "repository_id"}, {Name: "path_in_repo"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"size", "sha256", "lfs", "is_deleted", "updated_at",
			}),
		}).
		Create(f).Error
}

func (s *store) GetFile(ctx context.Context, repoID int64, path string) (*File, error) {
	var f File
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND path_in_repo = ?", repoID, path).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *store) GetFileBySha(ctx context.Context, sha256 string) (*File, error) {
	var f File
	err := s.db.WithContext(ctx).
		Where("sha256 = ? AND is_deleted = ?", sha256, false).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *store) ListFiles(ctx context.Context, repoID int64, includeDeleted bool) ([]*File, error) {
	query := s.db.WithContext(ctx).Where("repository_id = ?", repoID)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var files []*File
	err := query.Order("path_in_repo ASC").Find(&files).Error
	return files, err
}

func (s *store) SoftDeleteFile(ctx context.Context, repoID int64, path string) error {
	return s.db.WithContext(ctx).
		Model(&File{}).
		Where("repository_id = ? AND path_in_repo = ?", repoID, path).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now()}).Error
}

// --- Commits ---

func (s *store) CreateCommit(ctx context.Context, c *Commit) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *store) ListCommits(ctx context.Context, repoID int64, branch string, limit int) ([]*Commit, error) {
	query := s.db.WithContext(ctx).
		Where("repository_id = ? AND branch = ?", repoID, branch).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var commits []*Commit
	err := query.Find(&commits).Error
	return commits, err
}

// --- Staging ---

func (s *store) UpsertStaging(ctx context.Context, up *StagingUpload) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "repository_id"}, {Name: "branch"}, {Name: "path_in_repo"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"sha256", "size", "storage_key", "lfs", "upload_id", "uploader_id",
			}),
		}).
		Create(up).Error
}

func (s *store) DeleteStaging(ctx context.Context, repoID int64, branch, path string) error {
	return s.db.WithContext(ctx).
		Delete(&StagingUpload{}, "repository_id = ? AND branch = ? AND path_in_repo = ?",
			repoID, branch, path).Error
}

// --- LFS history ---

func (s *store) AppendLFSHistory(ctx context.Context, h *LFSObjectHistory) error {
	return s.db.WithContext(ctx).Create(h).Error
}

func (s *store) ListLFSHistory(ctx context.Context, repoID int64) ([]*LFSObjectHistory, error) {
	var rows []*LFSObjectHistory
	err := s.db.WithContext(ctx).
		Where("repository_id = ?", repoID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (s *store) HasLFSHistory(ctx context.Context, repoID int64, sha256 string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&LFSObjectHistory{}).
		Where("repository_id = ? AND sha256 = ?", repoID, sha256).
		Count(&count).Error
	return count > 0, err
}

// PruneLFSHistory drops history rows past the newest keep entries of one
// path and returns the bytes the pruning released. A hash still held by
// another retained row anywhere in the repository releases nothing.
// keep <= 0 disables retention.
func (s *store) PruneLFSHistory(ctx context.Context, repoID int64, path string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var rows []*LFSObjectHistory
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND path_in_repo = ?", repoID, path).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	if len(rows) <= keep {
		return 0, nil
	}

	stale := rows[keep:]
	ids := make([]int64, 0, len(stale))
	for _, h := range stale {
		ids = append(ids, h.ID)
	}
	if err := s.db.WithContext(ctx).
		Delete(&LFSObjectHistory{}, "id IN ?", ids).Error; err != nil {
		return 0, err
	}

	var released int64
	counted := make(map[string]bool, len(stale))
	for _, h := range stale {
		if counted[h.Sha256] {
			continue
		}
		counted[h.Sha256] = true
		retained, err := s.HasLFSHistory(ctx, repoID, h.Sha256)
		if err != nil {
			return released, err
		}
		if !retained {
			released += h.Size
		}
	}
	return released, nil
}

// --- Likes ---

func (s *store) AddLike(ctx context.Context, repoID, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(&RepositoryLike{RepositoryID: repoID, UserID: userID}).Error
		if err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrLikeExists
			}
			return err
		}
		return tx.Model(&Repository{}).
			Where("id = ?", repoID).
			Update("likes_count", gorm.Expr("likes_count + 1")).Error
	})
}

func (s *store) RemoveLike(ctx context.Context, repoID, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&RepositoryLike{}, "repository_id = ? AND user_id = ?", repoID, userID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrLikeNotFound
		}
		return tx.Model(&Repository{}).
			Where("id = ?", repoID).
			Update("likes_count", gorm.Expr("likes_count - 1")).Error
	})
}

func (s *store) HasLike(ctx context.Context, repoID, userID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&RepositoryLike{}).
		Where("repository_id = ? AND user_id = ?", repoID, userID).
		Count(&count).Error
	return count > 0, err
}

func (s *store) ListLikerIDs(ctx context.Context, repoID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&RepositoryLike{}).
		Where("repository_id = ?", repoID).
		Order("created_at ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}
