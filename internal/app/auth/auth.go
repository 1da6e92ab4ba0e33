// Package auth implements the two identity domains of spec.md §4.4:
// operator login (password + optional TOTP, JWT access/refresh tokens) and
// proxy identity (cluster-API-key bootstrap into a proxy-scoped bearer
// token). Authorization is role-based and scoped per cluster, checked via a
// single Authorize entry point invoked from every mutating REST handler.
//
// JWT issuance/validation follows the same shape as the teacher's
// applications/auth/manager.go Claims/Manager pair (golang-jwt/jwt/v5,
// HMAC-signed, RegisteredClaims for standard fields), generalized from a
// single flat role to the per-cluster RoleAssignment set spec.md requires.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/cache"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ratelimit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

const proxyTokenCacheKeyPrefix = "proxytoken:"

// Failures per spec.md §4.4.
var (
	ErrAuthInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAuthLocked             = errors.New("auth: account locked")
	ErrAuthMFARequired        = errors.New("auth: totp code required")
	ErrAuthTokenExpired       = errors.New("auth: token expired")
	ErrAuthTokenRevoked       = errors.New("auth: token revoked")
	ErrAuthForbidden          = errors.New("auth: forbidden")
)

// Claims is the JWT payload for an operator access token.
type Claims struct {
	UserID string              `json:"uid"`
	Roles  []user.RoleAssignment `json:"roles"`
	jwt.RegisteredClaims
}

// Session holds the tokens issued on successful login or refresh.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Manager coordinates the operator login flow, JWT issuance/validation, and
// proxy bootstrap token issuance/verification.
type Manager struct {
	store         storage.Store
	hasher        *PasswordHasher
	signingKey    []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	lockout       *ratelimit.LoginLockout
	sourceLimit   *ratelimit.KeyLimiter
	now           func() time.Time
	proxyCache    *cache.Cache
	proxyCacheTTL time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithProxyTokenCache makes VerifyProxyToken read-through the auxiliary
// cache spec.md §6 describes ("holds session state... loss of the cache
// is tolerated and rebuilt lazily") before falling back to the store —
// every heartbeat and discovery-stream open otherwise hits the store.
func WithProxyTokenCache(c *cache.Cache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.proxyCache = c
		m.proxyCacheTTL = ttl
	}
}

// New builds a Manager. signingKey signs and verifies access tokens; it
// must be non-empty in production (enforced by internal/config.Validate).
func New(store storage.Store, hasher *PasswordHasher, signingKey []byte, accessTTL, refreshTTL time.Duration, lockoutThreshold int, lockoutWindow time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		hasher:      hasher,
		signingKey:  signingKey,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		lockout:     ratelimit.NewLoginLockout(lockoutThreshold, lockoutWindow),
		sourceLimit: ratelimit.NewKeyLimiter(lockoutThreshold, lockoutWindow, lockoutThreshold),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates an operator by login name, password, and optional
// TOTP code, rate-limited per account and per source address.
func (m *Manager) Login(ctx context.Context, login, password, totpCode, sourceAddr string) (Session, error) {
	if m.lockout.Locked(login) {
		return Session{}, ErrAuthLocked
	}
	if !m.sourceLimit.Allow(sourceAddr) {
		return Session{}, ErrAuthLocked
	}

	u, err := m.store.GetUserByLogin(ctx, login)
	if err != nil {
		m.lockout.RecordFailure(login)
		return Session{}, ErrAuthInvalidCredentials
	}
	if u.LockedUntil != nil && m.now().Before(*u.LockedUntil) {
		return Session{}, ErrAuthLocked
	}

	if !m.hasher.Verify(u.PasswordHash, password) {
		m.lockout.RecordFailure(login)
		return Session{}, ErrAuthInvalidCredentials
	}

	if u.TOTPSecret != "" {
		if totpCode == "" {
			return Session{}, ErrAuthMFARequired
		}
		ok, err := VerifyTOTP(u.TOTPSecret, totpCode, m.now())
		if err != nil || !ok {
			m.lockout.RecordFailure(login)
			return Session{}, ErrAuthInvalidCredentials
		}
	}

	m.lockout.RecordSuccess(login)
	return m.issueSession(ctx, u)
}

// Refresh rotates a single-use refresh token into a new session. A known,
// unused, unexpired token is consumed (marked used) before the new session
// is issued, so it stays consumed even if issuing fails and a
// stolen-then-replayed token cannot be reused.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := hashToken(refreshToken)
	t, err := m.store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		return Session{}, ErrAuthTokenRevoked
	}
	if t.Used {
		return Session{}, ErrAuthTokenRevoked
	}
	if m.now().After(t.ExpiresAt) {
		return Session{}, ErrAuthTokenExpired
	}
	if err := m.store.MarkRefreshTokenUsed(ctx, t.ID); err != nil {
		return Session{}, fmt.Errorf("auth: consume refresh token: %w", err)
	}

	u, err := m.store.GetUser(ctx, t.UserID)
	if err != nil {
		return Session{}, ErrAuthTokenRevoked
	}
	return m.issueSession(ctx, u)
}

// Logout revokes every outstanding refresh token for the user that
// presented refreshToken.
func (m *Manager) Logout(ctx context.Context, refreshToken string) error {
	hash := hashToken(refreshToken)
	t, err := m.store.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		return nil // already gone; logout is idempotent
	}
	return m.store.DeleteRefreshTokensForUser(ctx, t.UserID)
}

func (m *Manager) issueSession(ctx context.Context, u user.User) (Session, error) {
	now := m.now()
	accessExpiry := now.Add(m.accessTTL)
	claims := Claims{
		UserID: u.ID,
		Roles:  u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return Session{}, fmt.Errorf("auth: sign access token: %w", err)
	}

	refreshRaw, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpiry := now.Add(m.refreshTTL)
	if _, err := m.store.CreateRefreshToken(ctx, user.RefreshToken{
		UserID:    u.ID,
		TokenHash: hashToken(refreshRaw),
		ExpiresAt: refreshExpiry,
	}); err != nil {
		return Session{}, fmt.Errorf("auth: persist refresh token: %w", err)
	}

	return Session{
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     refreshRaw,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// ValidateAccessToken parses and verifies an access token, returning its
// claims.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrAuthTokenExpired
		}
		return nil, ErrAuthTokenRevoked
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrAuthTokenRevoked
	}
	return claims, nil
}

// Authorize implements the uniform (actor, action, cluster) -> allow/deny
// check of spec.md §4.4. administrator may perform any action; service-owner
// may perform anything except the user/key/CA-scoped actions.
func Authorize(claims *Claims, clusterID string, action Action) error {
	roles := user.User{Roles: claims.Roles}
	if roles.IsAdministrator(clusterID) {
		return nil
	}
	if roles.HasRole(clusterID, user.RoleServiceOwner) && action.ServiceOwnerAllowed {
		return nil
	}
	return ErrAuthForbidden
}

// Action describes one mutating REST operation for the purposes of
// Authorize.
type Action struct {
	Name                string
	ServiceOwnerAllowed bool
}

// RegisterProxy validates a presented cluster API key (current or,
// overlap-window permitting, previous) and mints a proxy-scoped bearer
// token bound to the registration record.
func (m *Manager) RegisterProxy(ctx context.Context, apiKey string) (cluster.Cluster, string, error) {
	hash := hashToken(apiKey)
	c, err := m.store.GetClusterByAPIKeyHash(ctx, hash)
	if err != nil {
		return cluster.Cluster{}, "", ErrAuthInvalidCredentials
	}
	token, err := randomToken()
	if err != nil {
		return cluster.Cluster{}, "", err
	}
	return c, token, nil
}

// VerifyProxyToken resolves a bearer token presented on a heartbeat or
// discovery-stream connection back to its registration record. When a
// proxy token cache is configured, a cache hit skips the store lookup
// entirely; InvalidateProxyToken must be called on revoke to bound the
// window in which a revoked token can still be served from a stale entry.
func (m *Manager) VerifyProxyToken(ctx context.Context, token string) (proxy.Registration, error) {
	hash := hashToken(token)
	if m.proxyCache != nil {
		var cached proxy.Registration
		if m.proxyCache.GetJSON(ctx, proxyTokenCacheKeyPrefix+hash, &cached) {
			if cached.Status == proxy.StatusRevoked {
				return proxy.Registration{}, ErrAuthTokenRevoked
			}
			return cached, nil
		}
	}
	reg, err := m.store.GetProxyByTokenHash(ctx, hash)
	if err != nil {
		return proxy.Registration{}, ErrAuthTokenRevoked
	}
	if reg.Status == proxy.StatusRevoked {
		return proxy.Registration{}, ErrAuthTokenRevoked
	}
	if m.proxyCache != nil {
		m.proxyCache.SetJSON(ctx, proxyTokenCacheKeyPrefix+hash, reg, m.proxyCacheTTL)
	}
	return reg, nil
}

// InvalidateProxyToken evicts a cached proxy registration by its token
// hash, called by the proxy entity service on revoke so a cached entry
// can't keep serving a revoked token past its TTL.
func (m *Manager) InvalidateProxyToken(ctx context.Context, tokenHash string) {
	if m.proxyCache != nil {
		m.proxyCache.Delete(ctx, proxyTokenCacheKeyPrefix+tokenHash)
	}
}

// HashAPIKey hashes a cluster API key or proxy bootstrap token for
// storage/lookup. Exported so the entity service layer can hash a
// newly-generated key before persisting it.
func HashAPIKey(raw string) string { return hashToken(raw) }

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
