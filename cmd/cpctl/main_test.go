package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   int
	}{
		{http.StatusUnauthorized, "", 3},
		{http.StatusForbidden, "", 3},
		{http.StatusLocked, "", 3},
		{http.StatusNotFound, "", 4},
		{http.StatusConflict, "", 5},
		{http.StatusPreconditionFailed, "", 5},
		{http.StatusPaymentRequired, "", 6},
		{http.StatusInternalServerError, "LIM_5001", 6},
		{http.StatusInternalServerError, "", 1},
	}
	for _, c := range cases {
		err := &apiError{StatusCode: c.status, Code: c.code}
		require.Equal(t, c.want, exitCode(err))
	}
	require.Equal(t, 0, exitCode(nil))
}

func TestRunClusterListSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/clusters", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]string{{"id": "c1", "name": "acme"}})
	}))
	defer srv.Close()

	code := run(context.Background(), []string{"--addr", srv.URL, "--token", "test-token", "cluster", "list"})
	require.Equal(t, 0, code)
}

func TestRunClusterGetNotFoundMapsToExitFour(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"kind": "not_found", "code": "RES_3001", "message": "cluster not found"},
		})
	}))
	defer srv.Close()

	code := run(context.Background(), []string{"--addr", srv.URL, "cluster", "get", "missing-id"})
	require.Equal(t, 4, code)
}

func TestRunMissingArgsIsUsageError(t *testing.T) {
	code := run(context.Background(), []string{"cluster", "create"})
	require.Equal(t, 2, code)
}

func TestRunUnknownCommandIsUsageError(t *testing.T) {
	code := run(context.Background(), []string{"frobnicate"})
	require.Equal(t, 2, code)
}
