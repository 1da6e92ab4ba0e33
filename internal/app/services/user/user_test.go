package user

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	domainuser "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	hasher := auth.NewPasswordHasher([]byte("pepper"), 4)
	return New(store, hasher, audit.New(store), nil), store
}

func testRoles() []domainuser.RoleAssignment {
	return []domainuser.RoleAssignment{{ClusterID: "cluster-1", Role: domainuser.RoleAdministrator}}
}

func TestCreateRejectsShortPassword(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "admin", "alice", "short", testRoles())
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestCreateRejectsDuplicateLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "admin", "alice", "correct-horse-battery", testRoles())
	require.NoError(t, err)

	_, err = svc.Create(ctx, "admin", "alice", "another-long-password", testRoles())
	assert.Equal(t, apperrors.KindConflict, apperrors.GetKind(err))
}

func TestEnrollTOTPPersistsSecret(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, "admin", "alice", "correct-horse-battery", testRoles())
	require.NoError(t, err)

	secret, err := svc.EnrollTOTP(ctx, "admin", created.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	stored, err := store.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, secret, stored.TOTPSecret)
}

func TestSetLockedLocksAndUnlocksAccount(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, "admin", "alice", "correct-horse-battery", testRoles())
	require.NoError(t, err)
	assert.Nil(t, created.LockedUntil)

	locked, err := svc.SetLocked(ctx, "admin", created.ID, true)
	require.NoError(t, err)
	require.NotNil(t, locked.LockedUntil)

	stored, err := store.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LockedUntil)

	unlocked, err := svc.SetLocked(ctx, "admin", created.ID, false)
	require.NoError(t, err)
	assert.Nil(t, unlocked.LockedUntil)
}

func TestResetPasswordChangesHash(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, "admin", "alice", "correct-horse-battery", testRoles())
	require.NoError(t, err)
	oldHash := created.PasswordHash

	require.NoError(t, svc.ResetPassword(ctx, "admin", created.ID, "a-brand-new-password"))

	stored, err := store.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldHash, stored.PasswordHash)
}
