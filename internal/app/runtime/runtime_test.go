package runtime

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/config"
	pkglogger "github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CONTROLPLANE_ENV", "testing")
	t.Setenv("STORE_KIND", "memory")
	t.Setenv("JWT_SIGNING_KEY", "test-signing-key")
	t.Setenv("BIND_REST", "127.0.0.1:0")
	t.Setenv("BIND_DISCOVERY", "127.0.0.1:0")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewWiresEveryCollaborator(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, pkglogger.NewDefault("test"))
	require.NoError(t, err)
	require.NotNil(t, app.Store)
	require.NotNil(t, app.AuthMgr)
	require.NotNil(t, app.CA)
	require.NotNil(t, app.Snapshots)
	require.NotNil(t, app.Clusters)
	require.NotNil(t, app.Services)
	require.NotNil(t, app.Mappings)
	require.NotNil(t, app.Proxies)
	require.NotNil(t, app.Users)
}

func TestStartStopIsClean(t *testing.T) {
	cfg := testConfig(t)
	app, err := New(context.Background(), cfg, pkglogger.NewDefault("test"))
	require.NoError(t, err)

	require.NoError(t, app.Start(context.Background()))
	time.Sleep(50 * time.Millisecond) // let listeners bind before shutdown
	require.NoError(t, app.Stop(context.Background()))
}

func TestHTTPServiceStartsAndStops(t *testing.T) {
	log := pkglogger.NewDefault("test")
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	svc := newHTTPService("test", "127.0.0.1:0", mux, log)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())
	time.Sleep(20 * time.Millisecond)
}
