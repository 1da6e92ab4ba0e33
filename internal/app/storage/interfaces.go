// Package storage defines the repository interfaces the entity service
// layer depends on. Each aggregate has create/get/list/update/delete
// operations; list operations accept a cluster filter where applicable.
// Update operations use optimistic concurrency via an integer version
// column: a stale update returns ErrStaleWrite. Repository implementations
// never enforce business invariants beyond uniqueness constraints — that is
// the entity service layer's responsibility.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/auditlog"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cert"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
)

// Sentinel repository errors (spec.md §4.1).
var (
	ErrNotFound   = errors.New("storage: not found")
	ErrConflict   = errors.New("storage: uniqueness conflict")
	ErrStaleWrite = errors.New("storage: stale write")
	ErrStore      = errors.New("storage: transport/integrity error")
)

// ClusterStore persists cluster records.
type ClusterStore interface {
	CreateCluster(ctx context.Context, c cluster.Cluster) (cluster.Cluster, error)
	UpdateCluster(ctx context.Context, c cluster.Cluster, expectedVersion int) (cluster.Cluster, error)
	GetCluster(ctx context.Context, id string) (cluster.Cluster, error)
	GetClusterByName(ctx context.Context, name string) (cluster.Cluster, error)
	GetClusterByAPIKeyHash(ctx context.Context, hash string) (cluster.Cluster, error)
	ListClusters(ctx context.Context) ([]cluster.Cluster, error)
	DeleteCluster(ctx context.Context, id string) error
}

// ServiceStore persists backend-service records scoped to a cluster.
type ServiceStore interface {
	CreateService(ctx context.Context, s svcdomain.Service) (svcdomain.Service, error)
	UpdateService(ctx context.Context, s svcdomain.Service, expectedVersion int) (svcdomain.Service, error)
	GetService(ctx context.Context, clusterID, id string) (svcdomain.Service, error)
	GetServiceByName(ctx context.Context, clusterID, name string) (svcdomain.Service, error)
	ListServices(ctx context.Context, clusterID string) ([]svcdomain.Service, error)
	DeleteService(ctx context.Context, clusterID, id string) error
}

// MappingStore persists traffic-rule records scoped to a cluster.
type MappingStore interface {
	CreateMapping(ctx context.Context, m mapping.Mapping) (mapping.Mapping, error)
	UpdateMapping(ctx context.Context, m mapping.Mapping, expectedVersion int) (mapping.Mapping, error)
	GetMapping(ctx context.Context, clusterID, id string) (mapping.Mapping, error)
	ListMappings(ctx context.Context, clusterID string) ([]mapping.Mapping, error)
	ListMappingsReferencingService(ctx context.Context, clusterID, serviceID string) ([]mapping.Mapping, error)
	DeleteMapping(ctx context.Context, clusterID, id string) error
}

// ProxyStore persists data-plane proxy registrations.
type ProxyStore interface {
	CreateProxy(ctx context.Context, p proxy.Registration) (proxy.Registration, error)
	UpdateProxy(ctx context.Context, p proxy.Registration, expectedVersion int) (proxy.Registration, error)
	GetProxy(ctx context.Context, clusterID, id string) (proxy.Registration, error)
	GetProxyByTokenHash(ctx context.Context, tokenHash string) (proxy.Registration, error)
	ListProxies(ctx context.Context, clusterID string) ([]proxy.Registration, error)
	CountActiveProxies(ctx context.Context, clusterID string) (int, error)
	DeleteProxy(ctx context.Context, clusterID, id string) error
}

// UserStore persists operator identities.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User, expectedVersion int) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByLogin(ctx context.Context, login string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// CAStore persists per-cluster certificate authorities.
type CAStore interface {
	CreateCA(ctx context.Context, ca cert.CA) (cert.CA, error)
	UpdateCA(ctx context.Context, ca cert.CA, expectedVersion int) (cert.CA, error)
	GetActiveCA(ctx context.Context, clusterID string) (cert.CA, error)
	ListCAs(ctx context.Context, clusterID string) ([]cert.CA, error)
}

// CertificateStore persists issued leaf certificates and the CRL.
type CertificateStore interface {
	CreateCertificate(ctx context.Context, c cert.Certificate) (cert.Certificate, error)
	UpdateCertificate(ctx context.Context, c cert.Certificate, expectedVersion int) (cert.Certificate, error)
	GetCertificate(ctx context.Context, clusterID, id string) (cert.Certificate, error)
	ListCertificates(ctx context.Context, clusterID string) ([]cert.Certificate, error)

	AppendCRLEntry(ctx context.Context, e cert.CRLEntry) (cert.CRLEntry, error)
	ListCRLEntries(ctx context.Context, caID string) ([]cert.CRLEntry, error)
	IsRevoked(ctx context.Context, caID string, serial int64) (bool, error)
}

// SessionStore persists operator refresh-token sessions. Access tokens are
// stateless JWTs and never touch storage.
type SessionStore interface {
	CreateRefreshToken(ctx context.Context, t user.RefreshToken) (user.RefreshToken, error)
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (user.RefreshToken, error)
	MarkRefreshTokenUsed(ctx context.Context, id string) error
	DeleteRefreshTokensForUser(ctx context.Context, userID string) error
}

// AuditStore is the dedicated append-only path for audit events.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e auditlog.Event) (auditlog.Event, error)
	NextSequence(ctx context.Context) (int64, error)
	ListAuditEvents(ctx context.Context, clusterID string, limit int) ([]auditlog.Event, error)
}

// Store composes every aggregate-scoped repository plus the WithTx helper
// for all-or-none multi-aggregate writes. The service layer does not use
// WithTx: a cascading service delete issues its mapping updates and the
// service delete as separate store calls, so a failure part way leaves the
// earlier writes in place.
type Store interface {
	ClusterStore
	ServiceStore
	MappingStore
	ProxyStore
	UserStore
	SessionStore
	CAStore
	CertificateStore
	AuditStore

	// WithTx runs fn inside a transaction scope; implementations that are
	// not transactional (e.g. the in-memory store) may run fn directly
	// under a coarse lock.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// DefaultClock returns the real wall clock in UTC.
func DefaultClock() time.Time { return time.Now().UTC() }
