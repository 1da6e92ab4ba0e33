// Package memory is an in-process Store implementation backed by maps and a
// mutex. It backs the tests and is the runtime store when STORE_KIND=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/auditlog"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cert"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

// Store is a map-backed, mutex-guarded implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	clusters map[string]cluster.Cluster
	services map[string]svcdomain.Service
	mappings map[string]mapping.Mapping
	proxies  map[string]proxy.Registration
	users    map[string]user.User
	refreshTokens map[string]user.RefreshToken
	cas      map[string]cert.CA
	certs    map[string]cert.Certificate
	crl      map[string][]cert.CRLEntry

	auditSeq    int64
	auditEvents []auditlog.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		clusters: make(map[string]cluster.Cluster),
		services: make(map[string]svcdomain.Service),
		mappings: make(map[string]mapping.Mapping),
		proxies:  make(map[string]proxy.Registration),
		users:    make(map[string]user.User),
		refreshTokens: make(map[string]user.RefreshToken),
		cas:      make(map[string]cert.CA),
		certs:    make(map[string]cert.Certificate),
		crl:      make(map[string][]cert.CRLEntry),
	}
}

func now() time.Time { return time.Now().UTC() }

// --- cluster ---

func (s *Store) CreateCluster(_ context.Context, c cluster.Cluster) (cluster.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clusters {
		if existing.Name == c.Name {
			return cluster.Cluster{}, storage.ErrConflict
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now(), now()
	s.clusters[c.ID] = c
	return c, nil
}

func (s *Store) UpdateCluster(_ context.Context, c cluster.Cluster, expectedVersion int) (cluster.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clusters[c.ID]
	if !ok {
		return cluster.Cluster{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return cluster.Cluster{}, storage.ErrStaleWrite
	}
	c.Version = existing.Version + 1
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now()
	s.clusters[c.ID] = c
	return c, nil
}

func (s *Store) GetCluster(_ context.Context, id string) (cluster.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return cluster.Cluster{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetClusterByName(_ context.Context, name string) (cluster.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clusters {
		if c.Name == name {
			return c, nil
		}
	}
	return cluster.Cluster{}, storage.ErrNotFound
}

// GetClusterByAPIKeyHash matches either the current key or, while within its
// overlap window, the previous (rotated-out) key, per spec.md §4.4.
func (s *Store) GetClusterByAPIKeyHash(_ context.Context, hash string) (cluster.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clusters {
		if c.APIKeyHash == hash {
			return c, nil
		}
		if c.PreviousAPIKeyHash == hash && c.PreviousAPIKeyExpiresAt != nil && now().Before(*c.PreviousAPIKeyExpiresAt) {
			return c, nil
		}
	}
	return cluster.Cluster{}, storage.ErrNotFound
}

func (s *Store) ListClusters(_ context.Context) ([]cluster.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cluster.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteCluster(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.clusters, id)
	return nil
}

// --- service ---

func (s *Store) CreateService(_ context.Context, sv svcdomain.Service) (svcdomain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.services {
		if existing.ClusterID == sv.ClusterID && existing.Name == sv.Name {
			return svcdomain.Service{}, storage.ErrConflict
		}
	}
	if sv.ID == "" {
		sv.ID = uuid.NewString()
	}
	sv.Version = 1
	sv.CreatedAt, sv.UpdatedAt = now(), now()
	s.services[sv.ID] = sv
	return sv, nil
}

func (s *Store) UpdateService(_ context.Context, sv svcdomain.Service, expectedVersion int) (svcdomain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.services[sv.ID]
	if !ok || existing.ClusterID != sv.ClusterID {
		return svcdomain.Service{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return svcdomain.Service{}, storage.ErrStaleWrite
	}
	sv.Version = existing.Version + 1
	sv.CreatedAt = existing.CreatedAt
	sv.UpdatedAt = now()
	s.services[sv.ID] = sv
	return sv, nil
}

func (s *Store) GetService(_ context.Context, clusterID, id string) (svcdomain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.services[id]
	if !ok || sv.ClusterID != clusterID {
		return svcdomain.Service{}, storage.ErrNotFound
	}
	return sv, nil
}

func (s *Store) GetServiceByName(_ context.Context, clusterID, name string) (svcdomain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sv := range s.services {
		if sv.ClusterID == clusterID && sv.Name == name {
			return sv, nil
		}
	}
	return svcdomain.Service{}, storage.ErrNotFound
}

func (s *Store) ListServices(_ context.Context, clusterID string) ([]svcdomain.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]svcdomain.Service, 0)
	for _, sv := range s.services {
		if sv.ClusterID == clusterID {
			out = append(out, sv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteService(_ context.Context, clusterID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.services[id]
	if !ok || sv.ClusterID != clusterID {
		return storage.ErrNotFound
	}
	delete(s.services, id)
	return nil
}

// --- mapping ---

func (s *Store) CreateMapping(_ context.Context, m mapping.Mapping) (mapping.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now(), now()
	s.mappings[m.ID] = m
	return m, nil
}

func (s *Store) UpdateMapping(_ context.Context, m mapping.Mapping, expectedVersion int) (mapping.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.mappings[m.ID]
	if !ok || existing.ClusterID != m.ClusterID {
		return mapping.Mapping{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return mapping.Mapping{}, storage.ErrStaleWrite
	}
	m.Version = existing.Version + 1
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = now()
	s.mappings[m.ID] = m
	return m, nil
}

func (s *Store) GetMapping(_ context.Context, clusterID, id string) (mapping.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.ClusterID != clusterID {
		return mapping.Mapping{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMappings(_ context.Context, clusterID string) ([]mapping.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mapping.Mapping, 0)
	for _, m := range s.mappings {
		if m.ClusterID == clusterID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListMappingsReferencingService(_ context.Context, clusterID, serviceID string) ([]mapping.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mapping.Mapping, 0)
	for _, m := range s.mappings {
		if m.ClusterID != clusterID {
			continue
		}
		if containsStr(m.SourceServiceIDs, serviceID) || containsStr(m.DestServiceIDs, serviceID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteMapping(_ context.Context, clusterID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.ClusterID != clusterID {
		return storage.ErrNotFound
	}
	delete(s.mappings, id)
	return nil
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// --- proxy ---

func (s *Store) CreateProxy(_ context.Context, p proxy.Registration) (proxy.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now(), now()
	s.proxies[p.ID] = p
	return p, nil
}

func (s *Store) UpdateProxy(_ context.Context, p proxy.Registration, expectedVersion int) (proxy.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.proxies[p.ID]
	if !ok || existing.ClusterID != p.ClusterID {
		return proxy.Registration{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return proxy.Registration{}, storage.ErrStaleWrite
	}
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = now()
	s.proxies[p.ID] = p
	return p, nil
}

func (s *Store) GetProxy(_ context.Context, clusterID, id string) (proxy.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok || p.ClusterID != clusterID {
		return proxy.Registration{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProxyByTokenHash(_ context.Context, tokenHash string) (proxy.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		if p.TokenHash == tokenHash {
			return p, nil
		}
	}
	return proxy.Registration{}, storage.ErrNotFound
}

func (s *Store) ListProxies(_ context.Context, clusterID string) ([]proxy.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proxy.Registration, 0)
	for _, p := range s.proxies {
		if p.ClusterID == clusterID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountActiveProxies counts proxies that either hold a license seat already
// (StatusActive) or are mid-registration and about to claim one
// (StatusRegistering), so a burst of concurrent registrations before any
// heartbeat lands can't all slip in under the licensed limit.
func (s *Store) CountActiveProxies(_ context.Context, clusterID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.proxies {
		if p.ClusterID == clusterID && (p.Status == proxy.StatusActive || p.Status == proxy.StatusRegistering) {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteProxy(_ context.Context, clusterID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok || p.ClusterID != clusterID {
		return storage.ErrNotFound
	}
	delete(s.proxies, id)
	return nil
}

// --- user ---

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Login == u.Login {
			return user.User{}, storage.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = now(), now()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User, expectedVersion int) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.ID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return user.User{}, storage.ErrStaleWrite
	}
	u.Version = existing.Version + 1
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = now()
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByLogin(_ context.Context, login string) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Login == login {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// --- sessions ---

func (s *Store) CreateRefreshToken(_ context.Context, t user.RefreshToken) (user.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = now()
	s.refreshTokens[t.ID] = t
	return t, nil
}

func (s *Store) GetRefreshTokenByHash(_ context.Context, tokenHash string) (user.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.refreshTokens {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return user.RefreshToken{}, storage.ErrNotFound
}

func (s *Store) MarkRefreshTokenUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Used = true
	s.refreshTokens[id] = t
	return nil
}

func (s *Store) DeleteRefreshTokensForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.refreshTokens {
		if t.UserID == userID {
			delete(s.refreshTokens, id)
		}
	}
	return nil
}

// --- CA ---

func (s *Store) CreateCA(_ context.Context, ca cert.CA) (cert.CA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ca.ID == "" {
		ca.ID = uuid.NewString()
	}
	ca.Version = 1
	ca.CreatedAt, ca.UpdatedAt = now(), now()
	s.cas[ca.ID] = ca
	return ca, nil
}

func (s *Store) UpdateCA(_ context.Context, ca cert.CA, expectedVersion int) (cert.CA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cas[ca.ID]
	if !ok || existing.ClusterID != ca.ClusterID {
		return cert.CA{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return cert.CA{}, storage.ErrStaleWrite
	}
	ca.Version = existing.Version + 1
	ca.CreatedAt = existing.CreatedAt
	ca.UpdatedAt = now()
	s.cas[ca.ID] = ca
	return ca, nil
}

func (s *Store) GetActiveCA(_ context.Context, clusterID string) (cert.CA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ca := range s.cas {
		if ca.ClusterID == clusterID && ca.Status == cert.CAStatusActive {
			return ca, nil
		}
	}
	return cert.CA{}, storage.ErrNotFound
}

func (s *Store) ListCAs(_ context.Context, clusterID string) ([]cert.CA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cert.CA, 0)
	for _, ca := range s.cas {
		if ca.ClusterID == clusterID {
			out = append(out, ca)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- certificates / CRL ---

func (s *Store) CreateCertificate(_ context.Context, c cert.Certificate) (cert.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now(), now()
	s.certs[c.ID] = c
	return c, nil
}

func (s *Store) UpdateCertificate(_ context.Context, c cert.Certificate, expectedVersion int) (cert.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.certs[c.ID]
	if !ok || existing.ClusterID != c.ClusterID {
		return cert.Certificate{}, storage.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return cert.Certificate{}, storage.ErrStaleWrite
	}
	c.Version = existing.Version + 1
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now()
	s.certs[c.ID] = c
	return c, nil
}

func (s *Store) GetCertificate(_ context.Context, clusterID, id string) (cert.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	if !ok || c.ClusterID != clusterID {
		return cert.Certificate{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListCertificates(_ context.Context, clusterID string) ([]cert.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cert.Certificate, 0)
	for _, c := range s.certs {
		if c.ClusterID == clusterID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendCRLEntry(_ context.Context, e cert.CRLEntry) (cert.CRLEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.RevokedAt = now()
	s.crl[e.CAID] = append(s.crl[e.CAID], e)
	return e, nil
}

func (s *Store) ListCRLEntries(_ context.Context, caID string) ([]cert.CRLEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cert.CRLEntry, len(s.crl[caID]))
	copy(out, s.crl[caID])
	return out, nil
}

func (s *Store) IsRevoked(_ context.Context, caID string, serial int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.crl[caID] {
		if e.RevokedSerial == serial {
			return true, nil
		}
	}
	return false, nil
}

// --- audit ---

func (s *Store) AppendAuditEvent(_ context.Context, e auditlog.Event) (auditlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	e.Sequence = s.auditSeq
	e.Timestamp = now()
	s.auditEvents = append(s.auditEvents, e)
	return e, nil
}

func (s *Store) NextSequence(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditSeq++
	return s.auditSeq, nil
}

func (s *Store) ListAuditEvents(_ context.Context, clusterID string, limit int) ([]auditlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auditlog.Event, 0)
	for i := len(s.auditEvents) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.auditEvents[i]
		if clusterID == "" || e.ClusterID == clusterID {
			out = append(out, e)
		}
	}
	return out, nil
}

// WithTx calls fn with the store itself. No lock is held around fn and
// nothing is rolled back if fn fails; each store call inside fn takes the
// store's lock on its own.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	return fn(ctx, s)
}
