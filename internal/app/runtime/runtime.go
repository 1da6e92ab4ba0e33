// Package runtime is the composition root: it wires configuration into
// stores, the secret sink, the CA, auth, every entity service, the
// snapshot cache, and the REST/discovery listeners, then registers each
// long-running piece on a system.Manager so the daemon entrypoint can
// start/stop the whole graph with one call. Grounded on the teacher's own
// applications/application.go (Stores struct, New(stores, log, opts...)
// builder, system.Manager registration order, descriptor collection).
package runtime

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/cache"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/discovery"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/httpapi"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/license"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/logging"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/metrics"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ratelimit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/secrets"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/svc"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/snapshot"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/postgres"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/system"
	"github.com/penguintechinc/marchproxy-sub000/internal/config"
	"github.com/penguintechinc/marchproxy-sub000/internal/platform/database"
	"github.com/penguintechinc/marchproxy-sub000/internal/platform/migrations"
	pkglogger "github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

// Application ties every control-plane collaborator together and manages
// their lifecycle via an embedded system.Manager, mirroring the teacher's
// own Application/system.Manager pairing.
type Application struct {
	manager *system.Manager
	log     *pkglogger.Logger
	db      *sql.DB
	cache   *cache.Cache

	Store     storage.Store
	AuthMgr   *auth.Manager
	CA        *ca.Authority
	License   *license.Gate
	Snapshots *snapshot.Cache

	Clusters *cluster.Service
	Services *svc.Service
	Mappings *mapping.Service
	Proxies  *proxy.Service
	Users    *user.Service
}

// New builds the full dependency graph from cfg but does not bind any
// listener socket; call Start to begin serving.
func New(ctx context.Context, cfg *config.Config, log *pkglogger.Logger) (*Application, error) {
	if log == nil {
		log = pkglogger.NewDefault("controlplane")
	}

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sink, err := openSecretSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("open secret sink: %w", err)
	}

	authority := ca.New(store, store, sink, ca.WithOverlapWindow(cfg.RotationOverlapWindow))

	var lic *license.Gate
	if cfg.LicenseEndpoint != "" {
		lic = license.New(cfg.LicenseEndpoint, cfg.LicenseTimeout, cfg.LicenseCacheTTL, cfg.LicenseGrace,
			license.WithMetrics(licenseMetricsAdapter{}))
	}

	proxyCache, err := cache.New(cfg.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	hasher := auth.NewPasswordHasher([]byte(cfg.JWTSigningKey), 10)
	authMgr := auth.New(store, hasher, []byte(cfg.JWTSigningKey), cfg.AccessTokenTTL, cfg.RefreshTokenTTL,
		cfg.LockoutThreshold, cfg.LockoutWindow, auth.WithProxyTokenCache(proxyCache, cfg.HeartbeatInterval))

	aw := audit.New(store)
	snapBuilder := snapshot.New(store, store, store, authority)
	snapCache := snapshot.NewCache(snapBuilder)

	clusterSvc := cluster.New(store, lic, aw, snapCache, log)
	serviceSvc := svc.New(store, aw, snapCache, log)
	mappingSvc := mapping.New(store, store, aw, snapCache, log)
	proxySvc := proxy.New(store, authMgr, authority, lic, aw, snapCache, log)
	userSvc := user.New(store, hasher, aw, log)

	manager := system.NewManager()

	app := &Application{
		manager:   manager,
		log:       log,
		db:        db,
		cache:     proxyCache,
		Store:     store,
		AuthMgr:   authMgr,
		CA:        authority,
		License:   lic,
		Snapshots: snapCache,
		Clusters:  clusterSvc,
		Services:  serviceSvc,
		Mappings:  mappingSvc,
		Proxies:   proxySvc,
		Users:     userSvc,
	}

	discoverySrv := discovery.New(snapCache, authMgr, aw, logging.New(cfg.LogLevel, cfg.LogFormat))

	router := httpapi.NewRouter(httpapi.Deps{
		Log:             log,
		AuthMgr:         authMgr,
		CA:              authority,
		Clusters:        clusterSvc,
		Services:        serviceSvc,
		Mappings:        mappingSvc,
		Proxies:         proxySvc,
		Users:           userSvc,
		MappingStore:    store,
		CertStore:       store,
		EndpointLimiter: ratelimit.NewKeyLimiter(100, time.Minute, 20),
	})

	if err := manager.Register(newHTTPService("rest", cfg.BindREST, router, log)); err != nil {
		return nil, err
	}
	if err := manager.Register(newHTTPService("discovery", cfg.BindDiscovery, discoverySrv, log)); err != nil {
		return nil, err
	}
	if err := manager.Register(newReaperService(store, proxySvc, cfg.HeartbeatInterval, log)); err != nil {
		return nil, err
	}

	return app, nil
}

// Start starts every registered long-running component.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops every registered component in reverse order, then closes the
// database pool and cache connection, if either was opened.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.cache != nil {
		if cerr := a.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, *sql.DB, error) {
	if cfg.StoreKind == "memory" {
		return memory.New(), nil, nil
	}
	db, err := database.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.Apply(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return postgres.New(db), db, nil
}

func openSecretSink(cfg *config.Config) (secrets.Sink, error) {
	switch {
	case strings.HasPrefix(cfg.SecretSink, "file://"):
		dir := strings.TrimPrefix(cfg.SecretSink, "file://")
		key := sha256.Sum256([]byte(cfg.JWTSigningKey))
		return secrets.NewFileSink(dir, key[:])
	default:
		return nil, fmt.Errorf("unsupported secret sink scheme: %s", cfg.SecretSink)
	}
}

// licenseMetricsAdapter satisfies license.Metrics against the shared
// Prometheus registry, so cache hits/staleness/denials surface on
// spec.md §4.9's license_decisions_total without license.Gate importing
// the metrics package directly.
type licenseMetricsAdapter struct{}

func (licenseMetricsAdapter) ObserveCacheHit() { metrics.LicenseDecisions.WithLabelValues("gate", "cache_hit").Inc() }
func (licenseMetricsAdapter) ObserveStale()    { metrics.LicenseDecisions.WithLabelValues("gate", "stale").Inc() }
func (licenseMetricsAdapter) ObserveDenial(reason string) {
	metrics.LicenseDecisions.WithLabelValues("gate", "denied_"+reason).Inc()
}

// httpService adapts a plain http.Handler into a system.Service, the same
// Start/Stop lifecycle shape the teacher's own background pollers
// implement (applications/system/service.go's Service interface).
type httpService struct {
	name   string
	server *http.Server
	log    *pkglogger.Logger
}

func newHTTPService(name, addr string, handler http.Handler, log *pkglogger.Logger) *httpService {
	return &httpService{
		name:   name,
		server: &http.Server{Addr: addr, Handler: handler},
		log:    log,
	}
}

func (h *httpService) Name() string { return h.name }

func (h *httpService) Start(ctx context.Context) error {
	ln, err := newListener(h.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.WithField("listener", h.name).WithError(err).Error("listener stopped")
		}
	}()
	return nil
}

func (h *httpService) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// reaperService periodically reaps stale proxy registrations across every
// cluster, using robfig/cron for scheduling rather than a naive ticker —
// the teacher's own automation package hand-rolls a five-field cron parser
// (services/automation/automation_triggers.go's parseNextCronExecution)
// despite depending on robfig/cron/v3 in go.mod with zero real call sites;
// this is the genuine home for that dependency.
type reaperService struct {
	store    storage.ClusterStore
	proxies  *proxy.Service
	schedule string
	cron     *cron.Cron
	log      *pkglogger.Logger
}

func newReaperService(store storage.ClusterStore, proxies *proxy.Service, interval time.Duration, log *pkglogger.Logger) *reaperService {
	return &reaperService{
		store:    store,
		proxies:  proxies,
		schedule: fmt.Sprintf("@every %s", interval),
		log:      log,
	}
}

func (r *reaperService) Name() string { return "proxy-reaper" }

func (r *reaperService) Start(ctx context.Context) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.schedule, func() { r.reapAll(ctx) })
	if err != nil {
		return fmt.Errorf("schedule proxy reaper: %w", err)
	}
	r.cron.Start()
	return nil
}

func (r *reaperService) Stop(ctx context.Context) error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	return nil
}

func (r *reaperService) reapAll(ctx context.Context) {
	clusters, err := r.store.ListClusters(ctx)
	if err != nil {
		r.log.WithError(err).Error("proxy reaper: list clusters")
		return
	}
	for _, c := range clusters {
		if n, err := r.proxies.ReapStale(ctx, c.ID); err != nil {
			r.log.WithError(err).WithField("cluster_id", c.ID).Error("proxy reaper: reap stale")
		} else if n > 0 {
			r.log.WithField("cluster_id", c.ID).WithField("reaped", n).Info("proxy reaper: reaped stale proxies")
		}
	}
}
