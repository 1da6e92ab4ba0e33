// Package proxy implements the entity service layer's data-plane proxy
// lifecycle (spec.md §4.5): bootstrap registration (cluster API key in,
// bearer token + mTLS client certificate out, gated by the license quota
// for active proxies) and heartbeat-driven status transitions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/core/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/dirty"
	domainproxy "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/license"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

const actorKindProxy = "proxy"

// ClientCertValidity is how long a freshly-issued proxy mTLS client
// certificate is valid for before the proxy must re-register.
const ClientCertValidity = 90 * 24 * time.Hour

// StaleAfter is how long without a heartbeat before a proxy is considered
// stale by the heartbeat reaper background job.
const StaleAfter = 2 * time.Minute

// Registration is the bootstrap response: the persisted registration plus
// the one-time bearer token and client keypair the proxy must retain.
type Registration struct {
	Record        domainproxy.Registration
	BearerToken   string
	ClientCertPEM string
	ClientKeyPEM  []byte
}

// Service coordinates the proxy registration aggregate's lifecycle.
type Service struct {
	store    storage.ProxyStore
	auth     *auth.Manager
	ca       *ca.Authority
	license  *license.Gate
	audit    *audit.Writer
	dirty    dirty.Marker
	log      *logger.Logger
	now      func() time.Time
}

// New builds a proxy Service.
func New(store storage.ProxyStore, authMgr *auth.Manager, authority *ca.Authority, lic *license.Gate, aw *audit.Writer, dm dirty.Marker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("services.proxy")
	}
	if dm == nil {
		dm = dirty.NoopMarker{}
	}
	return &Service{
		store:   store,
		auth:    authMgr,
		ca:      authority,
		license: lic,
		audit:   aw,
		dirty:   dm,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register bootstraps a new data-plane proxy: the presented cluster API key
// resolves the owning cluster, the license gate is consulted for the
// cluster's next active-proxy count, and on success a bearer token plus mTLS
// client certificate are issued.
func (s *Service) Register(ctx context.Context, apiKey string, declaredType domainproxy.Type, capabilities []string, softwareVersion string) (Registration, error) {
	switch declaredType {
	case domainproxy.TypeL7, domainproxy.TypeL3L4:
	default:
		return Registration{}, apperrors.Validation("declared_type", "must be l7 or l3l4")
	}

	c, token, err := s.auth.RegisterProxy(ctx, apiKey)
	if err != nil {
		if errors.Is(err, auth.ErrAuthInvalidCredentials) {
			return Registration{}, apperrors.InvalidCredentials()
		}
		return Registration{}, apperrors.Unavailable("resolve cluster api key", err)
	}

	if s.license != nil {
		active, err := s.store.CountActiveProxies(ctx, c.ID)
		if err != nil {
			return Registration{}, apperrors.Unavailable("count active proxies", err)
		}
		if _, err := s.license.Check(ctx, license.Request{ClusterID: c.ID, RequestedProxy: active + 1}); err != nil {
			if errors.Is(err, license.ErrLicenseQuotaExceeded) {
				return Registration{}, apperrors.QuotaExceeded(active)
			}
			return Registration{}, apperrors.LicenseUnavailable(err)
		}
	}

	proxyID := uuid.NewString()
	certRecord, clientKeyPEM, err := s.ca.IssueClient(ctx, c.ID, fmt.Sprintf("proxy-%s", proxyID), ClientCertValidity)
	if err != nil {
		if errors.Is(err, ca.ErrCAAbsent) {
			return Registration{}, apperrors.CAAbsent(c.ID)
		}
		return Registration{}, apperrors.Unavailable("issue proxy client certificate", err)
	}

	created, err := s.store.CreateProxy(ctx, domainproxy.Registration{
		ID:               proxyID,
		ClusterID:        c.ID,
		DeclaredType:     declaredType,
		Capabilities:     capabilities,
		SoftwareVersion:  softwareVersion,
		LastSeen:         s.now(),
		Status:           domainproxy.StatusRegistering,
		ClientCertHandle: certRecord.ID,
		TokenHash:        auth.HashAPIKey(token),
	})
	if err != nil {
		return Registration{}, apperrors.Unavailable("persist proxy registration", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, proxyID, actorKindProxy, c.ID, "proxy.register")
	}
	s.dirty.MarkDirty(c.ID)
	s.log.WithField("proxy_id", created.ID).WithField("cluster_id", c.ID).Info("proxy registered")

	return Registration{
		Record:        created,
		BearerToken:   token,
		ClientCertPEM: certRecord.PublicCertPEM,
		ClientKeyPEM:  clientKeyPEM,
	}, nil
}

// Heartbeat resolves token back to its registration, updates last-seen, and
// transitions registering proxies to active on their first heartbeat.
// metrics is accepted for forwarding to the observability pipeline but is
// not itself persisted on the registration record.
func (s *Service) Heartbeat(ctx context.Context, token string, metrics map[string]float64) (domainproxy.Registration, error) {
	reg, err := s.auth.VerifyProxyToken(ctx, token)
	if err != nil {
		return domainproxy.Registration{}, apperrors.TokenRevoked()
	}

	reg.LastSeen = s.now()
	if reg.Status == domainproxy.StatusRegistering || reg.Status == domainproxy.StatusStale {
		reg.Status = domainproxy.StatusActive
	}

	updated, err := s.store.UpdateProxy(ctx, reg, reg.Version)
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			current, getErr := s.store.GetProxy(ctx, reg.ClusterID, reg.ID)
			if getErr == nil {
				return current, nil // a concurrent heartbeat already advanced last-seen
			}
		}
		return domainproxy.Registration{}, apperrors.Unavailable("persist heartbeat", err)
	}
	s.log.WithField("proxy_id", updated.ID).WithField("metric_count", len(metrics)).Debug("proxy heartbeat")
	return updated, nil
}

// Get returns a proxy registration scoped to clusterID.
func (s *Service) Get(ctx context.Context, clusterID, id string) (domainproxy.Registration, error) {
	reg, err := s.store.GetProxy(ctx, clusterID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domainproxy.Registration{}, apperrors.NotFound("proxy", id)
		}
		return domainproxy.Registration{}, apperrors.Unavailable("get proxy", err)
	}
	return reg, nil
}

// List returns every proxy registration owned by clusterID, capped at
// service.MaxListLimit entries so a single request can't force an
// unbounded response.
func (s *Service) List(ctx context.Context, clusterID string) ([]domainproxy.Registration, error) {
	all, err := s.store.ListProxies(ctx, clusterID)
	if err != nil {
		return nil, apperrors.Unavailable("list proxies", err)
	}
	if listCap := service.ClampLimit(0, service.MaxListLimit, service.MaxListLimit); len(all) > listCap {
		all = all[:listCap]
	}
	return all, nil
}

// Revoke marks a proxy registration revoked, rejecting further heartbeats
// and discovery-stream connections under its token.
func (s *Service) Revoke(ctx context.Context, actorID, clusterID, id string) error {
	reg, err := s.store.GetProxy(ctx, clusterID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("proxy", id)
		}
		return apperrors.Unavailable("get proxy", err)
	}
	reg.Status = domainproxy.StatusRevoked
	if _, err := s.store.UpdateProxy(ctx, reg, reg.Version); err != nil {
		return apperrors.Unavailable("persist proxy revocation", err)
	}
	if s.auth != nil {
		s.auth.InvalidateProxyToken(ctx, reg.TokenHash)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindProxy, clusterID, "proxy.revoke")
	}
	s.dirty.MarkDirty(clusterID)
	return nil
}

// ReapStale transitions every active proxy whose last heartbeat is older
// than StaleAfter into StatusStale. Intended to be invoked periodically by
// a background scheduler.
func (s *Service) ReapStale(ctx context.Context, clusterID string) (int, error) {
	all, err := s.store.ListProxies(ctx, clusterID)
	if err != nil {
		return 0, apperrors.Unavailable("list proxies", err)
	}
	cutoff := s.now().Add(-StaleAfter)
	reaped := 0
	for _, reg := range all {
		if reg.Status != domainproxy.StatusActive || reg.LastSeen.After(cutoff) {
			continue
		}
		reg.Status = domainproxy.StatusStale
		if _, err := s.store.UpdateProxy(ctx, reg, reg.Version); err != nil {
			continue // a concurrent heartbeat beat us to it; not an error
		}
		reaped++
	}
	if reaped > 0 {
		s.dirty.MarkDirty(clusterID)
	}
	return reaped, nil
}
