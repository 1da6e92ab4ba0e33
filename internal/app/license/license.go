// Package license implements the external license gate (spec.md §4.3): a
// synchronous Check used by the entity service layer before any mutation
// that could increase licensed resource usage, backed by a cached verdict
// with TTL and a grace-period fallback for outages.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/core/service"
)

// Failures per spec.md §4.3.
var (
	ErrLicenseUnreachable  = errors.New("license: service unreachable")
	ErrLicenseInvalid      = errors.New("license: verdict rejected by server")
	ErrLicenseQuotaExceeded = errors.New("license: quota exceeded")
)

// Tier is a licensed service tier.
type Tier string

// Request describes the mutation being gated.
type Request struct {
	ClusterID      string
	RequestedProxy int // proxy count the mutation would bring the cluster to, if applicable
	Feature        string
}

// Verdict is the cached outcome of a license check.
type Verdict struct {
	Tier             Tier
	AllowedProxies   int
	Features         map[string]bool
	Degraded         bool
	FetchedAt        time.Time
}

// Metrics receives observability callbacks; implementations wire these to
// the process-wide Prometheus registry.
type Metrics interface {
	ObserveCacheHit()
	ObserveStale()
	ObserveDenial(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCacheHit()        {}
func (noopMetrics) ObserveStale()           {}
func (noopMetrics) ObserveDenial(string)    {}

// Gate queries the external license service and caches the verdict per
// cluster, falling back to the last known-good verdict during an outage
// until the grace period expires.
type Gate struct {
	endpoint string
	client   *http.Client
	retry    service.RetryPolicy
	cacheTTL time.Duration
	grace    time.Duration
	metrics  Metrics
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedVerdict
}

type cachedVerdict struct {
	verdict     Verdict
	lastGoodAt  time.Time
}

// Option configures a Gate at construction time.
type Option func(*Gate)

// WithMetrics wires an observability sink.
func WithMetrics(m Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithHTTPClient overrides the HTTP client used to reach the license
// service, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gate) { g.client = c }
}

// New builds a Gate. endpoint is the license service base URL; timeout
// bounds each HTTP attempt; cacheTTL governs how long a fresh verdict is
// reused without re-querying; grace bounds how long a stale verdict is
// still honored once the service becomes unreachable.
func New(endpoint string, timeout, cacheTTL, grace time.Duration, opts ...Option) *Gate {
	g := &Gate{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		retry: service.RetryPolicy{
			Attempts:       3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		cacheTTL: cacheTTL,
		grace:    grace,
		metrics:  noopMetrics{},
		now:      func() time.Time { return time.Now().UTC() },
		cache:    make(map[string]cachedVerdict),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check returns the current verdict for req.ClusterID and, if req carries a
// resource request, validates it against the verdict's quota. A degraded
// verdict (service unreachable past the grace period) denies the request if
// it would increase resource usage but does not err for read-only checks.
func (g *Gate) Check(ctx context.Context, req Request) (Verdict, error) {
	verdict, err := g.verdictFor(ctx, req.ClusterID)
	if err != nil {
		return Verdict{}, err
	}

	if verdict.Degraded && (req.RequestedProxy > 0 || req.Feature != "") {
		g.metrics.ObserveDenial("degraded")
		return verdict, ErrLicenseUnreachable
	}
	if req.RequestedProxy > 0 && verdict.AllowedProxies > 0 && req.RequestedProxy > verdict.AllowedProxies {
		g.metrics.ObserveDenial("quota")
		return verdict, ErrLicenseQuotaExceeded
	}
	if req.Feature != "" && !verdict.Features[req.Feature] {
		g.metrics.ObserveDenial("feature")
		return verdict, ErrLicenseQuotaExceeded
	}
	return verdict, nil
}

func (g *Gate) verdictFor(ctx context.Context, clusterID string) (Verdict, error) {
	now := g.now()

	g.mu.Lock()
	cached, ok := g.cache[clusterID]
	g.mu.Unlock()
	if ok && now.Sub(cached.verdict.FetchedAt) < g.cacheTTL {
		g.metrics.ObserveCacheHit()
		return cached.verdict, nil
	}

	fresh, err := g.fetch(ctx, clusterID)
	if err == nil {
		fresh.FetchedAt = now
		g.mu.Lock()
		g.cache[clusterID] = cachedVerdict{verdict: fresh, lastGoodAt: now}
		g.mu.Unlock()
		return fresh, nil
	}

	if !ok {
		return Verdict{}, fmt.Errorf("%w: %v", ErrLicenseUnreachable, err)
	}

	g.metrics.ObserveStale()
	if now.Sub(cached.lastGoodAt) > g.grace {
		degraded := cached.verdict
		degraded.Degraded = true
		return degraded, nil
	}
	return cached.verdict, nil
}

type verdictWire struct {
	Tier           string          `json:"tier"`
	AllowedProxies int             `json:"allowed_proxies"`
	Features       map[string]bool `json:"features"`
}

func (g *Gate) fetch(ctx context.Context, clusterID string) (Verdict, error) {
	var result Verdict
	err := service.Retry(ctx, g.retry, func() error {
		url := fmt.Sprintf("%s/v1/clusters/%s/verdict", g.endpoint, clusterID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build license request: %w", err)
		}
		resp, err := g.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLicenseUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: status %d", ErrLicenseInvalid, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrLicenseUnreachable, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrLicenseUnreachable, err)
		}
		var wire verdictWire
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(&wire); err != nil {
			return fmt.Errorf("%w: decode body: %v", ErrLicenseInvalid, err)
		}
		result = Verdict{
			Tier:           Tier(wire.Tier),
			AllowedProxies: wire.AllowedProxies,
			Features:       wire.Features,
		}
		return nil
	})
	return result, err
}
