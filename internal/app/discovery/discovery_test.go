package discovery

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	domainmapping "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	domainproxy "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/secrets"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/snapshot"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
	pkglogger "github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func newTestEnv(t *testing.T) (*Server, string) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	sink, err := secrets.NewFileSink(t.TempDir(), testMasterKey())
	require.NoError(t, err)
	authority := ca.New(store, store, sink)

	hasher := auth.NewPasswordHasher([]byte("pepper"), 4)
	authMgr := auth.New(store, hasher, []byte("signing-key"), time.Hour, 24*time.Hour, 3, time.Minute)

	apiKey := "cluster-api-key"
	cl, err := store.CreateCluster(ctx, cluster.Cluster{
		Name:       "acme",
		Tier:       cluster.TierCommunity,
		APIKeyHash: auth.HashAPIKey(apiKey),
	})
	require.NoError(t, err)
	_, err = authority.EnsureCA(ctx, cl.ID)
	require.NoError(t, err)

	src, err := store.CreateService(ctx, svcdomain.Service{
		ClusterID: cl.ID,
		Name:      "frontend",
		Address:   "10.0.0.1",
		Ports:     []svcdomain.PortRange{{Low: 8080, High: 8080}},
		Protocol:  svcdomain.ProtocolHTTPS,
		AuthMode:  svcdomain.AuthModeNone,
	})
	require.NoError(t, err)
	dst, err := store.CreateService(ctx, svcdomain.Service{
		ClusterID: cl.ID,
		Name:      "backend",
		Address:   "10.0.0.2",
		Ports:     []svcdomain.PortRange{{Low: 9090, High: 9090}},
		Protocol:  svcdomain.ProtocolHTTPS,
		AuthMode:  svcdomain.AuthModeNone,
	})
	require.NoError(t, err)
	_, err = store.CreateMapping(ctx, domainmapping.Mapping{
		ClusterID:        cl.ID,
		SourceServiceIDs: []string{src.ID},
		DestServiceIDs:   []string{dst.ID},
		AllowedProtocols: []string{"https"},
		Ports:            []int{9090},
	})
	require.NoError(t, err)

	proxySvc := proxy.New(store, authMgr, authority, nil, audit.New(store), nil, nil)
	reg, err := proxySvc.Register(ctx, apiKey, domainproxy.TypeL7, nil, "1.0.0")
	require.NoError(t, err)

	cache := snapshot.NewCache(snapshot.New(store, store, store, authority))
	srv := New(cache, authMgr, audit.New(store), pkglogger.NewDefault("discovery-test"))
	return srv, reg.BearerToken
}

func dial(t *testing.T, ts *httptest.Server, token string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + token
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestStreamRejectsInvalidToken(t *testing.T) {
	srv, _ := newTestEnv(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=wrong"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestStreamPushesSnapshotAfterSubscribe(t *testing.T) {
	srv, token := newTestEnv(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts, token)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{ResourceTypes: []string{"routes"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "routes", frame.Type)
	require.NotEmpty(t, frame.Version)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "routes", Version: frame.Version, Ack: true}))
}
