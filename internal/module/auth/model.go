package auth

import (
	"strings"
	"time"
)

// Role is an organization membership role.
type Role string

const (
	RoleVisitor    Role = "visitor"
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

// CanWrite reports whether the role grants write access to org repos.
func (r Role) CanWrite() bool {
	return r == RoleMember || r == RoleAdmin || r == RoleSuperAdmin
}

// CanAdmin reports whether the role grants admin access (delete/rename).
func (r Role) CanAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// User is a registered account. Users own a namespace equal to their name.
type User struct {
	ID             int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	Name           string `json:"name" gorm:"not null"`
	NormalizedName string `json:"-" gorm:"uniqueIndex;not null"`
	Email          string `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash   string `json:"-" gorm:"not null"`
	EmailVerified  bool   `json:"email_verified" gorm:"default:false"`
	Active         bool   `json:"-" gorm:"default:true"`

	// Quotas: nil means unlimited. Used counters are maintained by the
	// quota engine.
	PrivateQuotaBytes *int64 `json:"private_quota_bytes" gorm:"default:null"`
	PublicQuotaBytes  *int64 `json:"public_quota_bytes" gorm:"default:null"`
	PrivateUsedBytes  int64  `json:"private_used_bytes" gorm:"default:0"`
	PublicUsedBytes   int64  `json:"public_used_bytes" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the database table name.
func (User) TableName() string { return "users" }

// Organization is a shared namespace.
type Organization struct {
	ID             int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	Name           string `json:"name" gorm:"not null"`
	NormalizedName string `json:"-" gorm:"uniqueIndex;not null"`
	Description    string `json:"description"`

	PrivateQuotaBytes *int64 `json:"private_quota_bytes" gorm:"default:null"`
	PublicQuotaBytes  *int64 `json:"public_quota_bytes" gorm:"default:null"`
	PrivateUsedBytes  int64  `json:"private_used_bytes" gorm:"default:0"`
	PublicUsedBytes   int64  `json:"public_used_bytes" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the database table name.
func (Organization) TableName() string { return "organizations" }

// Membership links a user to an organization with a role.
type Membership struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;uniqueIndex:idx_membership_user_org"`
	OrgID     int64     `gorm:"not null;uniqueIndex:idx_membership_user_org"`
	Role      Role      `gorm:"not null;default:member"`
	CreatedAt time.Time
}

// TableName returns the database table name.
func (Membership) TableName() string { return "memberships" }

// Session is an opaque cookie-backed login session.
type Session struct {
	ID        string    `gorm:"primaryKey"`
	UserID    int64     `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
}

// TableName returns the database table name.
func (Session) TableName() string { return "sessions" }

// Token is a hashed bearer secret.
type Token struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	UserID    int64  `gorm:"not null;index"`
	TokenHash string `gorm:"uniqueIndex;not null"`
	Name      string
	LastUsed  *time.Time
	CreatedAt time.Time
}

// TableName returns the database table name.
func (Token) TableName() string { return "tokens" }

// Principal is the resolved caller of a request. A nil User means the
// request is anonymous.
type Principal struct {
	User *User
}

// Anonymous reports whether no credential resolved.
func (p *Principal) Anonymous() bool {
	return p == nil || p.User == nil
}

// Username returns the principal's name, or "" when anonymous.
func (p *Principal) Username() string {
	if p.Anonymous() {
		return ""
	}
	return p.User.Name
}

// NormalizeName case-folds a namespace or account name for uniqueness
// comparisons.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
