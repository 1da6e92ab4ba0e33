package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/cache"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	domainproxy "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	mgr := New(store, hasher, []byte("test-signing-key"), time.Hour, 7*24*time.Hour, 3, time.Minute)
	return mgr, store
}

func createTestUser(t *testing.T, store *memory.Store, hasher *PasswordHasher, login, password string, totpSecret string) user.User {
	t.Helper()
	hash, err := hasher.Hash(password)
	require.NoError(t, err)
	created, err := store.CreateUser(context.Background(), user.User{
		Login:        login,
		PasswordHash: hash,
		TOTPSecret:   totpSecret,
		Roles:        []user.RoleAssignment{{ClusterID: "cluster-1", Role: user.RoleAdministrator}},
	})
	require.NoError(t, err)
	return created
}

func TestLoginSucceedsWithCorrectPassword(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	createTestUser(t, store, hasher, "alice", "correct-horse", "")

	session, err := mgr.Login(context.Background(), "alice", "correct-horse", "", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	createTestUser(t, store, hasher, "alice", "correct-horse", "")

	_, err := mgr.Login(context.Background(), "alice", "wrong", "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrAuthInvalidCredentials)
}

func TestLoginLocksAccountAfterThreshold(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	createTestUser(t, store, hasher, "alice", "correct-horse", "")

	for i := 0; i < 3; i++ {
		_, _ = mgr.Login(context.Background(), "alice", "wrong", "", sourceAddrFor(i))
	}
	_, err := mgr.Login(context.Background(), "alice", "correct-horse", "", "10.0.0.99")
	assert.ErrorIs(t, err, ErrAuthLocked)
}

func sourceAddrFor(i int) string {
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	return addrs[i%len(addrs)]
}

func TestLoginRequiresTOTPWhenEnabled(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	createTestUser(t, store, hasher, "alice", "correct-horse", secret)

	_, err = mgr.Login(context.Background(), "alice", "correct-horse", "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrAuthMFARequired)

	code, err := totpCode(secret, uint64(time.Now().UTC().Unix())/30)
	require.NoError(t, err)
	_, err = mgr.Login(context.Background(), "alice", "correct-horse", code, "10.0.0.2")
	assert.NoError(t, err)
}

func TestRefreshRotatesTokenAndRejectsReuse(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	createTestUser(t, store, hasher, "alice", "correct-horse", "")

	session, err := mgr.Login(context.Background(), "alice", "correct-horse", "", "10.0.0.1")
	require.NoError(t, err)

	second, err := mgr.Refresh(context.Background(), session.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, second.RefreshToken)

	_, err = mgr.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrAuthTokenRevoked)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	createTestUser(t, store, hasher, "alice", "correct-horse", "")

	session, err := mgr.Login(context.Background(), "alice", "correct-horse", "", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, mgr.Logout(context.Background(), session.RefreshToken))

	_, err = mgr.Refresh(context.Background(), session.RefreshToken)
	assert.ErrorIs(t, err, ErrAuthTokenRevoked)
}

func TestValidateAccessTokenRoundTrip(t *testing.T) {
	mgr, store := newTestManager(t)
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	createTestUser(t, store, hasher, "alice", "correct-horse", "")

	session, err := mgr.Login(context.Background(), "alice", "correct-horse", "", "10.0.0.1")
	require.NoError(t, err)

	claims, err := mgr.ValidateAccessToken(session.AccessToken)
	require.NoError(t, err)
	assert.True(t, user.User{Roles: claims.Roles}.IsAdministrator("cluster-1"))
}

func TestAuthorizeDeniesServiceOwnerForUserManagement(t *testing.T) {
	claims := &Claims{Roles: []user.RoleAssignment{{ClusterID: "cluster-1", Role: user.RoleServiceOwner}}}
	err := Authorize(claims, "cluster-1", Action{Name: "create_user", ServiceOwnerAllowed: false})
	assert.ErrorIs(t, err, ErrAuthForbidden)

	err = Authorize(claims, "cluster-1", Action{Name: "create_service", ServiceOwnerAllowed: true})
	assert.NoError(t, err)
}

func TestRegisterProxyAcceptsCurrentAndPreviousKey(t *testing.T) {
	mgr, store := newTestManager(t)
	currentExpiry := time.Now().UTC().Add(time.Hour)
	created, err := store.CreateCluster(context.Background(), cluster.Cluster{
		Name:                    "acme",
		Tier:                    cluster.TierCommunity,
		APIKeyHash:              HashAPIKey("current-key"),
		PreviousAPIKeyHash:      HashAPIKey("previous-key"),
		PreviousAPIKeyExpiresAt: &currentExpiry,
	})
	require.NoError(t, err)

	c, token, err := mgr.RegisterProxy(context.Background(), "current-key")
	require.NoError(t, err)
	assert.Equal(t, created.ID, c.ID)
	assert.NotEmpty(t, token)

	_, _, err = mgr.RegisterProxy(context.Background(), "previous-key")
	assert.NoError(t, err)

	_, _, err = mgr.RegisterProxy(context.Background(), "wrong-key")
	assert.ErrorIs(t, err, ErrAuthInvalidCredentials)
}

func TestVerifyProxyTokenPopulatesAndInvalidatesCache(t *testing.T) {
	store := memory.New()
	hasher := NewPasswordHasher([]byte("test-pepper"), 4)
	proxyCache, err := cache.New("")
	require.NoError(t, err)
	mgr := New(store, hasher, []byte("test-signing-key"), time.Hour, 7*24*time.Hour, 3, time.Minute,
		WithProxyTokenCache(proxyCache, time.Minute))

	const token = "proxy-bearer-token"
	created, err := store.CreateProxy(context.Background(), domainproxy.Registration{
		ClusterID: "cluster-1",
		Status:    domainproxy.StatusActive,
		TokenHash: HashAPIKey(token),
	})
	require.NoError(t, err)

	reg, err := mgr.VerifyProxyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, reg.ID)

	var cached domainproxy.Registration
	require.True(t, proxyCache.GetJSON(context.Background(), proxyTokenCacheKeyPrefix+hashToken(token), &cached))
	assert.Equal(t, created.ID, cached.ID)

	reg2, err := mgr.VerifyProxyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, reg2.ID)

	mgr.InvalidateProxyToken(context.Background(), hashToken(token))
	_, ok := proxyCache.Get(context.Background(), proxyTokenCacheKeyPrefix+hashToken(token))
	assert.False(t, ok)
}
