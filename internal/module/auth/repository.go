package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repository errors.
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrOrgNotFound     = errors.New("organization not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenNotFound   = errors.New("token not found")
	ErrNotMember       = errors.New("not a member")
)

// Repository defines data access for principals and credentials.
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByName(ctx context.Context, name string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error

	CreateOrg(ctx context.Context, org *Organization) error
	GetOrgByID(ctx context.Context, id int64) (*Organization, error)
	GetOrgByName(ctx context.Context, name string) (*Organization, error)

	AddUserUsage(ctx context.Context, userID int64, private bool, delta int64) error
	AddOrgUsage(ctx context.Context, orgID int64, private bool, delta int64) error
	SetUserUsage(ctx context.Context, userID int64, privateBytes, publicBytes int64) error
	SetOrgUsage(ctx context.Context, orgID int64, privateBytes, publicBytes int64) error

	AddMember(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, userID, orgID int64) (*Membership, error)
	ListMemberships(ctx context.Context, userID int64) ([]*Membership, error)

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) error

	CreateToken(ctx context.Context, t *Token) error
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)
	ListTokens(ctx context.Context, userID int64) ([]*Token, error)
	DeleteToken(ctx context.Context, userID, tokenID int64) error
	TouchToken(ctx context.Context, id int64, at time.Time) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new auth repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateUser(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *repository) GetUserByName(ctx context.Context, name string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).
		Where("normalized_name = ?", NormalizeName(name)).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *repository) UpdateUser(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Save(user).Error
}

func (r *repository) CreateOrg(ctx context.Context, org *Organization) error {
	return r.db.WithContext(ctx).Create(org).Error
}

func (r *repository) GetOrgByName(ctx context.Context, name string) (*Organization, error) {
	var org Organization
	err := r.db.WithContext(ctx).
		Where("normalized_name = ?", NormalizeName(name)).
		First(&org).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrgNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (r *repository) GetOrgByID(ctx context.Context, id int64) (*Organization, error) {
	var org Organization
	err := r.db.WithContext(ctx).First(&org, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrgNotFound
		}
		return nil, err
	}
	return &org, nil
}

func usageColumn(private bool) string {
	if private {
		return "private_used_bytes"
	}
	return "public_used_bytes"
}

func (r *repository) AddUserUsage(ctx context.Context, userID int64, private bool, delta int64) error {
	col := usageColumn(private)
	return r.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update(col, gorm.Expr(col+" + ?", delta)).Error
}

func (r *repository) AddOrgUsage(ctx context.Context, orgID int64, private bool, delta int64) error {
	col := usageColumn(private)
	return r.db.WithContext(ctx).
		Model(&Organization{}).
		Where("id = ?", orgID).
		Update(col, gorm.Expr(col+" + ?", delta)).Error
}

func (r *repository) SetUserUsage(ctx context.Context, userID int64, privateBytes, publicBytes int64) error {
	return r.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"private_used_bytes": privateBytes,
			"public_used_bytes":  publicBytes,
		}).Error
}

func (r *repository) SetOrgUsage(ctx context.Context, orgID int64, privateBytes, publicBytes int64) error {
	return r.db.WithContext(ctx).
		Model(&Organization{}).
		Where("id = ?", orgID).
		Updates(map[string]any{
			"private_used_bytes": privateBytes,
			"public_used_bytes":  publicBytes,
		}).Error
}

func (r *repository) AddMember(ctx context.Context, m *Membership) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *repository) GetMembership(ctx context.Context, userID, orgID int64) (*Membership, error) {
	var m Membership
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND org_id = ?", userID, orgID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotMember
		}
		return nil, err
	}
	return &m, nil
}

func (r *repository) ListMemberships(ctx context.Context, userID int64) ([]*Membership, error) {
	var ms []*Membership
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&ms).Error
	return ms, err
}

func (r *repository) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *repository) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *repository) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&Session{}, "id = ?", id).Error
}

func (r *repository) DeleteExpiredSessions(ctx context.Context, now time.Time) error {
	return r.db.WithContext(ctx).Delete(&Session{}, "expires_at < ?", now).Error
}

func (r *repository) CreateToken(ctx context.Context, t *Token) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *repository) GetTokenByHash(ctx context.Context, hash string) (*Token, error) {
	var t Token
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repository) ListTokens(ctx context.Context, userID int64) ([]*Token, error) {
	var ts []*Token
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&ts).Error
	return ts, err
}

func (r *repository) DeleteToken(ctx context.Context, userID, tokenID int64) error {
	result := r.db.WithContext(ctx).
		Delete(&Token{}, "id = ? AND user_id = ?", tokenID, userID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (r *repository) TouchToken(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&Token{}).
		Where("id = ?", id).
		Update("last_used", at).Error
}
