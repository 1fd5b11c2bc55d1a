package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/kohakuhub/kohakuhub/internal/shared/config"
	hub "github.com/kohakuhub/kohakuhub/internal/shared/errors"
)

// Namespace describes the owner of a namespace: either a user or an org.
type Namespace struct {
	Name  string
	User  *User
	Org   *Organization
	IsOrg bool
}

// Service implements authentication and namespace resolution.
type Service struct {
	repo   Repository
	cfg    *config.AuthConfig
	logger *zap.Logger
}

// NewService creates the auth service.
func NewService(repo Repository, cfg *config.AuthConfig, logger *zap.Logger) *Service {
	return &Service{repo: repo, cfg: cfg, logger: logger}
}

// HashToken hashes a bearer secret for storage and lookup.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Register creates a user account.
func (s *Service) Register(ctx context.Context, name, email, password string) (*User, error) {
	if name == "" || email == "" || len(password) < 8 {
		return nil, hub.BadRequest("Username, email and a password of at least 8 characters are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &User{
		Name:           name,
		NormalizedName: NormalizeName(name),
		Email:          email,
		PasswordHash:   string(hash),
		EmailVerified:  !s.cfg.RequireEmailVerification,
		Active:         true,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, hub.BadRequest("Username or email already taken")
		}
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and opens a session.
func (s *Service) Login(ctx context.Context, name, password string) (*Session, *User, error) {
	user, err := s.repo.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, hub.Unauthorized("Invalid username or password")
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, hub.Unauthorized("Account disabled")
	}
	if s.cfg.RequireEmailVerification && !user.EmailVerified {
		return nil, nil, hub.Unauthorized("Email not verified")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, hub.Unauthorized("Invalid username or password")
	}

	session := &Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(s.cfg.SessionExpire),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, nil, err
	}
	return session, user, nil
}

// Logout removes a session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}

// CreateToken mints a bearer token and returns the one-time-visible secret.
func (s *Service) CreateToken(ctx context.Context, userID int64, name string) (*Token, string, error) {
	secret := "hub_" + uuid.NewString()
	token := &Token{
		UserID:    userID,
		TokenHash: HashToken(secret),
		Name:      name,
	}
	if err := s.repo.CreateToken(ctx, token); err != nil {
		return nil, "", err
	}
	return token, secret, nil
}

// ListTokens lists a user's tokens.
func (s *Service) ListTokens(ctx context.Context, userID int64) ([]*Token, error) {
	return s.repo.ListTokens(ctx, userID)
}

// RevokeToken deletes a token owned by userID.
func (s *Service) RevokeToken(ctx context.Context, userID, tokenID int64) error {
	return s.repo.DeleteToken(ctx, userID, tokenID)
}

// ResolveSession resolves a session cookie to a principal.
func (s *Service) ResolveSession(ctx context.Context, sessionID string) (*Principal, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return &Principal{}, nil
	}
	if time.Now().After(session.ExpiresAt) {
		return &Principal{}, nil
	}
	user, err := s.repo.GetUserByID(ctx, session.UserID)
	if err != nil || !user.Active {
		return &Principal{}, nil
	}
	return &Principal{User: user}, nil
}

// ResolveToken resolves a presented bearer secret to a principal.
// Last-used bookkeeping is best-effort.
func (s *Service) ResolveToken(ctx context.Context, secret string) (*Principal, error) {
	token, err := s.repo.GetTokenByHash(ctx, HashToken(secret))
	if err != nil {
		return &Principal{}, nil
	}
	user, err := s.repo.GetUserByID(ctx, token.UserID)
	if err != nil || !user.Active {
		return &Principal{}, nil
	}

	now := time.Now()
	if err := s.repo.TouchToken(ctx, token.ID, now); err != nil {
		s.logger.Debug("touch token failed", zap.Error(err))
	}
	return &Principal{User: user}, nil
}

// GetUser returns a user by name.
func (s *Service) GetUser(ctx context.Context, name string) (*User, error) {
	return s.repo.GetUserByName(ctx, name)
}

// GetUserByID returns a user by id.
func (s *Service) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// GetOrgByID returns an organization by id.
func (s *Service) GetOrgByID(ctx context.Context, id int64) (*Organization, error) {
	return s.repo.GetOrgByID(ctx, id)
}

// AddUserUsage adjusts a user's private or public storage counter.
func (s *Service) AddUserUsage(ctx context.Context, userID int64, private bool, delta int64) error {
	return s.repo.AddUserUsage(ctx, userID, private, delta)
}

// AddOrgUsage adjusts an org's private or public storage counter.
func (s *Service) AddOrgUsage(ctx context.Context, orgID int64, private bool, delta int64) error {
	return s.repo.AddOrgUsage(ctx, orgID, private, delta)
}

// SetUserUsage overwrites a user's storage counters.
func (s *Service) SetUserUsage(ctx context.Context, userID int64, privateBytes, publicBytes int64) error {
	return s.repo.SetUserUsage(ctx, userID, privateBytes, publicBytes)
}

// SetOrgUsage overwrites an org's storage counters.
func (s *Service) SetOrgUsage(ctx context.Context, orgID int64, privateBytes, publicBytes int64) error {
	return s.repo.SetOrgUsage(ctx, orgID, privateBytes, publicBytes)
}

// CreateOrg creates an organization and makes creator its super-admin.
func (s *Service) CreateOrg(ctx context.Context, creator *User, name, description string) (*Organization, error) {
	org := &Organization{
		Name:           name,
		NormalizedName: NormalizeName(name),
		Description:    description,
	}
	if err := s.repo.CreateOrg(ctx, org); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, hub.BadRequest("Organization name already taken")
		}
		return nil, err
	}
	if err := s.repo.AddMember(ctx, &Membership{
		UserID: creator.ID,
		OrgID:  org.ID,
		Role:   RoleSuperAdmin,
	}); err != nil {
		return nil, err
	}
	return org, nil
}

// ResolveNamespace resolves a namespace name to its owning principal.
func (s *Service) ResolveNamespace(ctx context.Context, name string) (*Namespace, error) {
	user, err := s.repo.GetUserByName(ctx, name)
	if err == nil {
		return &Namespace{Name: user.Name, User: user}, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	org, err := s.repo.GetOrgByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrOrgNotFound) {
			return nil, hub.EntryNotFound(name)
		}
		return nil, err
	}
	return &Namespace{Name: org.Name, Org: org, IsOrg: true}, nil
}

// MembershipRole returns a user's role in an org, or RoleVisitor if none.
func (s *Service) MembershipRole(ctx context.Context, userID, orgID int64) (Role, error) {
	m, err := s.repo.GetMembership(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			return RoleVisitor, nil
		}
		return RoleVisitor, err
	}
	return m.Role, nil
}

// IsMember reports whether the user holds any membership in the org,
// including the visitor role.
func (s *Service) IsMember(ctx context.Context, userID, orgID int64) (bool, error) {
	_, err := s.repo.GetMembership(ctx, userID, orgID)
	if err != nil {
		if errors.Is(err, ErrNotMember) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MemberOrgIDs returns ids of all orgs the user belongs to.
func (s *Service) MemberOrgIDs(ctx context.Context, userID int64) ([]int64, error) {
	ms, err := s.repo.ListMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.OrgID)
	}
	return ids, nil
}

// CanUseNamespace reports whether the principal may create repos under the
// namespace: their own, or an org where they hold a write role.
func (s *Service) CanUseNamespace(ctx context.Context, p *Principal, namespace string) (bool, error) {
	if p.Anonymous() {
		return false, nil
	}
	if NormalizeName(namespace) == p.User.NormalizedName {
		return true, nil
	}
	org, err := s.repo.GetOrgByName(ctx, namespace)
	if err != nil {
		if errors.Is(err, ErrOrgNotFound) {
			return false, nil
		}
		return false, err
	}
	role, err := s.MembershipRole(ctx, p.User.ID, org.ID)
	if err != nil {
		return false, err
	}
	return role.CanWrite(), nil
}

// NamespaceRole classifies the principal's relation to a namespace: owner
// (their own username), an org role, or visitor.
func (s *Service) NamespaceRole(ctx context.Context, p *Principal, namespace string) (owner bool, role Role, err error) {
	if p.Anonymous() {
		return false, RoleVisitor, nil
	}
	if NormalizeName(namespace) == p.User.NormalizedName {
		return true, RoleVisitor, nil
	}
	org, err := s.repo.GetOrgByName(ctx, namespace)
	if err != nil {
		if errors.Is(err, ErrOrgNotFound) {
			return false, RoleVisitor, nil
		}
		return false, RoleVisitor, err
	}
	role, err = s.MembershipRole(ctx, p.User.ID, org.ID)
	return false, role, err
}
