package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/metrics"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ratelimit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/svc"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	pkglogger "github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

// maxRequestBody bounds every request body accepted by the REST surface,
// per spec.md §4.6's "strict request size limits".
const maxRequestBody = 1 << 20 // 1 MiB

// Deps wires every collaborator the REST surface dispatches into. None of
// these are constructed here: the composition root (internal/app/runtime)
// owns their lifecycle.
type Deps struct {
	Log     *pkglogger.Logger
	AuthMgr *auth.Manager
	CA      *ca.Authority

	Clusters *cluster.Service
	Services *svc.Service
	Mappings *mapping.Service
	Proxies  *proxy.Service
	Users    *user.Service

	MappingStore storage.MappingStore
	CertStore    storage.CertificateStore

	EndpointLimiter *ratelimit.KeyLimiter
}

// NewRouter builds the /api/v1 router with the full cross-cutting
// middleware chain spec.md §4.6 requires: recovery, CORS, rate limiting,
// auth (applied per-route, not globally, since /auth/login and /healthz
// are unauthenticated), access logging, and metrics instrumentation.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = pkglogger.NewDefault("httpapi")
	}

	root := mux.NewRouter()
	root.Use(recovery(d.Log))
	root.Use(correlation)
	root.Use(cors)
	root.Use(instrumentMetrics)
	root.Use(accessLog(d.Log))
	root.Use(bodyLimit(maxRequestBody))
	root.Use(endpointRateLimit(d.EndpointLimiter))

	root.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	root.HandleFunc("/readyz", handleReadyz(d)).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/api/v1").Subrouter()

	authH := authHandlers{authMgr: d.AuthMgr}
	api.HandleFunc("/auth/login", authH.login).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", authH.refresh).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(requireAuth(d.AuthMgr))
	authed.HandleFunc("/auth/logout", authH.logout).Methods(http.MethodPost)

	clusterH := clusterHandlers{svc: d.Clusters}
	authed.HandleFunc("/clusters", clusterH.create).Methods(http.MethodPost)
	authed.HandleFunc("/clusters", clusterH.list).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}", clusterH.get).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}", clusterH.delete).Methods(http.MethodDelete)
	authed.HandleFunc("/clusters/{id}/rotate-key", clusterH.rotateKey).Methods(http.MethodPost)

	serviceH := serviceHandlers{svc: d.Services, mappings: d.MappingStore}
	authed.HandleFunc("/clusters/{id}/services", serviceH.create).Methods(http.MethodPost)
	authed.HandleFunc("/clusters/{id}/services", serviceH.list).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}/services/{sid}", serviceH.get).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}/services/{sid}", serviceH.update).Methods(http.MethodPut)
	authed.HandleFunc("/clusters/{id}/services/{sid}", serviceH.delete).Methods(http.MethodDelete)

	mappingH := mappingHandlers{svc: d.Mappings}
	authed.HandleFunc("/clusters/{id}/mappings", mappingH.create).Methods(http.MethodPost)
	authed.HandleFunc("/clusters/{id}/mappings", mappingH.list).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}/mappings/{mid}", mappingH.get).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}/mappings/{mid}", mappingH.update).Methods(http.MethodPut)
	authed.HandleFunc("/clusters/{id}/mappings/{mid}", mappingH.delete).Methods(http.MethodDelete)

	proxyH := proxyHandlers{svc: d.Proxies}
	api.HandleFunc("/proxies/register", proxyH.register).Methods(http.MethodPost)
	api.HandleFunc("/proxies/{id}/heartbeat", proxyH.heartbeat).Methods(http.MethodPost)
	authed.HandleFunc("/clusters/{id}/proxies", proxyH.list).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}/proxies/{pid}/revoke", proxyH.revoke).Methods(http.MethodPost)

	caH := caHandlers{ca: d.CA, certs: d.CertStore}
	authed.HandleFunc("/clusters/{id}/ca/rotate", caH.rotate).Methods(http.MethodPost)
	authed.HandleFunc("/clusters/{id}/certs", caH.list).Methods(http.MethodGet)
	authed.HandleFunc("/clusters/{id}/certs/{sid}/revoke", caH.revoke).Methods(http.MethodPost)

	userH := userHandlers{svc: d.Users}
	authed.HandleFunc("/users", userH.create).Methods(http.MethodPost)
	authed.HandleFunc("/users", userH.list).Methods(http.MethodGet)
	authed.HandleFunc("/users/{id}", userH.get).Methods(http.MethodGet)
	authed.HandleFunc("/users/{id}/roles", userH.setRoles).Methods(http.MethodPut)
	authed.HandleFunc("/users/{id}/lock", userH.setLocked(true)).Methods(http.MethodPost)
	authed.HandleFunc("/users/{id}/unlock", userH.setLocked(false)).Methods(http.MethodPost)
	authed.HandleFunc("/users/{id}", userH.delete).Methods(http.MethodDelete)

	return root
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports not-ready while any required collaborator is nil —
// e.g. during startup before the composition root finishes wiring.
func handleReadyz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.AuthMgr == nil || d.Clusters == nil || d.Services == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}
