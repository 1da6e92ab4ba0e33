package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonVerdictServer(t *testing.T, tier string, allowed int, features map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(verdictWire{Tier: tier, AllowedProxies: allowed, Features: features})
	}))
}

func TestCheckFetchesAndCachesVerdict(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(verdictWire{Tier: "enterprise", AllowedProxies: 10})
	}))
	defer srv.Close()

	gate := New(srv.URL, time.Second, time.Minute, time.Hour)
	ctx := context.Background()

	v1, err := gate.Check(ctx, Request{ClusterID: "cluster-1"})
	require.NoError(t, err)
	assert.Equal(t, Tier("enterprise"), v1.Tier)

	_, err = gate.Check(ctx, Request{ClusterID: "cluster-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second check within TTL should hit cache, not re-fetch")
}

func TestCheckDeniesWhenRequestedProxiesExceedQuota(t *testing.T) {
	srv := jsonVerdictServer(t, "starter", 2, nil)
	defer srv.Close()

	gate := New(srv.URL, time.Second, time.Minute, time.Hour)
	_, err := gate.Check(context.Background(), Request{ClusterID: "cluster-1", RequestedProxy: 3})
	assert.ErrorIs(t, err, ErrLicenseQuotaExceeded)
}

func TestCheckDeniesUnknownFeature(t *testing.T) {
	srv := jsonVerdictServer(t, "starter", 0, map[string]bool{"mtls": true})
	defer srv.Close()

	gate := New(srv.URL, time.Second, time.Minute, time.Hour)
	_, err := gate.Check(context.Background(), Request{ClusterID: "cluster-1", Feature: "waf"})
	assert.ErrorIs(t, err, ErrLicenseQuotaExceeded)
}

func TestCheckFallsBackToCachedVerdictDuringOutage(t *testing.T) {
	up := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(verdictWire{Tier: "enterprise", AllowedProxies: 10})
	}))
	defer srv.Close()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := New(srv.URL, time.Second, 10*time.Millisecond, time.Hour, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	v1, err := gate.Check(ctx, Request{ClusterID: "cluster-1"})
	require.NoError(t, err)
	assert.False(t, v1.Degraded)

	up = false
	clock = clock.Add(time.Minute) // past cacheTTL, still within grace
	v2, err := gate.Check(ctx, Request{ClusterID: "cluster-1"})
	require.NoError(t, err)
	assert.False(t, v2.Degraded)
	assert.Equal(t, v1.Tier, v2.Tier)
}

func TestCheckDegradesAfterGraceExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gate := New(srv.URL, 10*time.Millisecond, time.Millisecond, time.Millisecond)
	gate.mu.Lock()
	gate.cache["cluster-1"] = cachedVerdict{
		verdict:    Verdict{Tier: "enterprise", AllowedProxies: 10, FetchedAt: time.Now().UTC().Add(-time.Hour)},
		lastGoodAt: time.Now().UTC().Add(-time.Hour),
	}
	gate.mu.Unlock()

	_, err := gate.Check(context.Background(), Request{ClusterID: "cluster-1", RequestedProxy: 1})
	assert.ErrorIs(t, err, ErrLicenseUnreachable)
}

func TestCheckUnreachableWithNoCacheReturnsError(t *testing.T) {
	gate := New("http://127.0.0.1:0", 10*time.Millisecond, time.Minute, time.Hour)
	gate.retry.Attempts = 1
	_, err := gate.Check(context.Background(), Request{ClusterID: "cluster-1"})
	assert.ErrorIs(t, err, ErrLicenseUnreachable)
}
