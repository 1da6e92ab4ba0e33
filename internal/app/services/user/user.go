// Package user implements the entity service layer's operator-identity
// operations (spec.md §4.5): account creation/role assignment, password
// reset, and TOTP enrollment, layered on top of internal/app/auth's
// credential primitives.
package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/core/service"
	domainuser "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

// lockForever is the LockedUntil sentinel an administrator-initiated lock
// uses; unlike the auth package's own lockout window (which expires), an
// operator lock is held until explicitly cleared by SetLocked(ctx, ..., false).
var lockForever = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

const actorKindOperator = "operator"

// Service coordinates operator-account lifecycle operations.
type Service struct {
	store  storage.UserStore
	hasher *auth.PasswordHasher
	audit  *audit.Writer
	log    *logger.Logger
}

// New builds a user Service.
func New(store storage.UserStore, hasher *auth.PasswordHasher, aw *audit.Writer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("services.user")
	}
	return &Service{store: store, hasher: hasher, audit: aw, log: log}
}

// Create provisions a new operator account with the given initial roles.
func (s *Service) Create(ctx context.Context, actorID, login, password string, roles []domainuser.RoleAssignment) (domainuser.User, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return domainuser.User{}, apperrors.Validation("login", "must not be empty")
	}
	if len(password) < 12 {
		return domainuser.User{}, apperrors.Validation("password", "must be at least 12 characters")
	}
	if len(roles) == 0 {
		return domainuser.User{}, apperrors.Validation("roles", "at least one role assignment is required")
	}

	if _, err := s.store.GetUserByLogin(ctx, login); err == nil {
		return domainuser.User{}, apperrors.Conflict("login already in use")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domainuser.User{}, apperrors.Unavailable("lookup user by login", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return domainuser.User{}, apperrors.Internal("hash password", err)
	}

	created, err := s.store.CreateUser(ctx, domainuser.User{
		Login:        login,
		PasswordHash: hash,
		Roles:        roles,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return domainuser.User{}, apperrors.Conflict("login already in use")
		}
		return domainuser.User{}, apperrors.Unavailable("persist user", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, "", "user.create")
	}
	s.log.WithField("user_id", created.ID).WithField("login", login).Info("user created")
	return created, nil
}

// EnrollTOTP generates and persists a new TOTP secret for the user, to be
// returned to the caller once as an otpauth:// URI.
func (s *Service) EnrollTOTP(ctx context.Context, actorID, userID string) (string, error) {
	u, err := s.get(ctx, userID)
	if err != nil {
		return "", err
	}
	secret, err := auth.GenerateTOTPSecret()
	if err != nil {
		return "", apperrors.Internal("generate totp secret", err)
	}
	u.TOTPSecret = secret
	if _, err := s.store.UpdateUser(ctx, u, u.Version); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return "", apperrors.StaleWrite(u.Version)
		}
		return "", apperrors.Unavailable("persist totp secret", err)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, "", "user.enroll_totp")
	}
	return secret, nil
}

// SetRoles replaces a user's role assignments.
func (s *Service) SetRoles(ctx context.Context, actorID, userID string, roles []domainuser.RoleAssignment) (domainuser.User, error) {
	if len(roles) == 0 {
		return domainuser.User{}, apperrors.Validation("roles", "at least one role assignment is required")
	}
	u, err := s.get(ctx, userID)
	if err != nil {
		return domainuser.User{}, err
	}
	u.Roles = roles
	updated, err := s.store.UpdateUser(ctx, u, u.Version)
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return domainuser.User{}, apperrors.StaleWrite(u.Version)
		}
		return domainuser.User{}, apperrors.Unavailable("persist role assignment", err)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, "", "user.set_roles")
	}
	return updated, nil
}

// SetLocked administratively locks or unlocks an account, independent of
// the auth package's own transient lockout window (internal/app/auth).
func (s *Service) SetLocked(ctx context.Context, actorID, userID string, locked bool) (domainuser.User, error) {
	u, err := s.get(ctx, userID)
	if err != nil {
		return domainuser.User{}, err
	}
	if locked {
		u.LockedUntil = &lockForever
	} else {
		u.LockedUntil = nil
	}
	updated, err := s.store.UpdateUser(ctx, u, u.Version)
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return domainuser.User{}, apperrors.StaleWrite(u.Version)
		}
		return domainuser.User{}, apperrors.Unavailable("persist lock state", err)
	}
	action := "user.lock"
	if !locked {
		action = "user.unlock"
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, "", action)
	}
	return updated, nil
}

// ResetPassword sets a new password for the user.
func (s *Service) ResetPassword(ctx context.Context, actorID, userID, newPassword string) error {
	if len(newPassword) < 12 {
		return apperrors.Validation("password", "must be at least 12 characters")
	}
	u, err := s.get(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return apperrors.Internal("hash password", err)
	}
	u.PasswordHash = hash
	if _, err := s.store.UpdateUser(ctx, u, u.Version); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return apperrors.StaleWrite(u.Version)
		}
		return apperrors.Unavailable("persist password reset", err)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, "", "user.reset_password")
	}
	return nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (domainuser.User, error) {
	return s.get(ctx, id)
}

// List returns every operator account, capped at service.MaxListLimit
// entries so a single request can't force an unbounded response.
func (s *Service) List(ctx context.Context) ([]domainuser.User, error) {
	all, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("list users", err)
	}
	if listCap := service.ClampLimit(0, service.MaxListLimit, service.MaxListLimit); len(all) > listCap {
		all = all[:listCap]
	}
	return all, nil
}

// Delete removes an operator account.
func (s *Service) Delete(ctx context.Context, actorID, userID string) error {
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("user", userID)
		}
		return apperrors.Unavailable("delete user", err)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, "", "user.delete")
	}
	return nil
}

func (s *Service) get(ctx context.Context, id string) (domainuser.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domainuser.User{}, apperrors.NotFound("user", id)
		}
		return domainuser.User{}, apperrors.Unavailable("get user", err)
	}
	return u, nil
}
