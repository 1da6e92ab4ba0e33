package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	domainproxy "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/license"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/secrets"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestService(t *testing.T) (*Service, *memory.Store, string, string) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	sink, err := secrets.NewFileSink(t.TempDir(), testMasterKey())
	require.NoError(t, err)
	authority := ca.New(store, store, sink)

	hasher := auth.NewPasswordHasher([]byte("pepper"), 4)
	authMgr := auth.New(store, hasher, []byte("signing-key"), time.Hour, 24*time.Hour, 3, time.Minute)

	apiKey := "cluster-api-key"
	created, err := store.CreateCluster(ctx, cluster.Cluster{
		Name:       "acme",
		Tier:       cluster.TierCommunity,
		APIKeyHash: auth.HashAPIKey(apiKey),
	})
	require.NoError(t, err)

	_, err = authority.EnsureCA(ctx, created.ID)
	require.NoError(t, err)

	svc := New(store, authMgr, authority, nil, audit.New(store), nil, nil)
	return svc, store, apiKey, created.ID
}

// newLicensedTestService wires a real license.Gate against an httptest
// server reporting a fixed proxy quota, so Register exercises the same
// license.Check path production does.
func newLicensedTestService(t *testing.T, allowedProxies int) (*Service, string, string) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	sink, err := secrets.NewFileSink(t.TempDir(), testMasterKey())
	require.NoError(t, err)
	authority := ca.New(store, store, sink)

	hasher := auth.NewPasswordHasher([]byte("pepper"), 4)
	authMgr := auth.New(store, hasher, []byte("signing-key"), time.Hour, 24*time.Hour, 3, time.Minute)

	apiKey := "cluster-api-key"
	created, err := store.CreateCluster(ctx, cluster.Cluster{
		Name:       "acme",
		Tier:       cluster.TierCommunity,
		APIKeyHash: auth.HashAPIKey(apiKey),
	})
	require.NoError(t, err)

	_, err = authority.EnsureCA(ctx, created.ID)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Tier           string          `json:"tier"`
			AllowedProxies int             `json:"allowed_proxies"`
			Features       map[string]bool `json:"features"`
		}{Tier: "community", AllowedProxies: allowedProxies})
	}))
	t.Cleanup(srv.Close)
	lic := license.New(srv.URL, time.Second, time.Minute, time.Hour)

	svc := New(store, authMgr, authority, lic, audit.New(store), nil, nil)
	return svc, apiKey, created.ID
}

func TestRegisterIssuesTokenAndClientCert(t *testing.T) {
	svc, _, apiKey, clusterID := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, apiKey, domainproxy.TypeL7, []string{"http_routing"}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, clusterID, reg.Record.ClusterID)
	assert.Equal(t, domainproxy.StatusRegistering, reg.Record.Status)
	assert.NotEmpty(t, reg.BearerToken)
	assert.NotEmpty(t, reg.ClientCertPEM)
	assert.NotEmpty(t, reg.ClientKeyPEM)
}

func TestRegisterRejectsUnknownAPIKey(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Register(context.Background(), "wrong-key", domainproxy.TypeL7, nil, "1.0.0")
	assert.Equal(t, apperrors.KindAuthentication, apperrors.GetKind(err))
}

func TestHeartbeatTransitionsRegisteringToActive(t *testing.T) {
	svc, _, apiKey, _ := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, apiKey, domainproxy.TypeL7, nil, "1.0.0")
	require.NoError(t, err)

	updated, err := svc.Heartbeat(ctx, reg.BearerToken, map[string]float64{"active_connections": 4})
	require.NoError(t, err)
	assert.Equal(t, domainproxy.StatusActive, updated.Status)
}

// TestRegisterCountsInFlightRegistrationsAgainstQuota covers scenario E2:
// registering proxies must count against the licensed limit even before
// their first heartbeat promotes them to active, or an unbounded number of
// never-heartbeating proxies could register past the quota.
func TestRegisterCountsInFlightRegistrationsAgainstQuota(t *testing.T) {
	svc, apiKey, _ := newLicensedTestService(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		reg, err := svc.Register(ctx, apiKey, domainproxy.TypeL7, nil, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, domainproxy.StatusRegistering, reg.Record.Status)
	}

	_, err := svc.Register(ctx, apiKey, domainproxy.TypeL7, nil, "1.0.0")
	assert.Equal(t, apperrors.KindQuota, apperrors.GetKind(err))
}

func TestRevokedProxyRejectsHeartbeat(t *testing.T) {
	svc, _, apiKey, clusterID := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, apiKey, domainproxy.TypeL7, nil, "1.0.0")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "admin", clusterID, reg.Record.ID))

	_, err = svc.Heartbeat(ctx, reg.BearerToken, nil)
	assert.Equal(t, apperrors.KindAuthentication, apperrors.GetKind(err))
}
