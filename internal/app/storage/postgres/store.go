// Package postgres implements storage.Store against PostgreSQL via
// database/sql and lib/pq. Every mutable aggregate carries an integer
// version column; updates are conditioned on the caller's expected version
// and report storage.ErrStaleWrite on mismatch.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/auditlog"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cert"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

// querier abstracts *sql.DB and *sql.Tx so every method can run either
// directly against the pool or inside WithTx's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
	q  querier
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func now() time.Time { return time.Now().UTC() }

func noRowsToNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// lib/pq reports unique_violation as SQLSTATE 23505; string-matching
	// avoids importing pq.Error's exact type across driver versions.
	return containsCode(err.Error(), "23505")
}

func containsCode(msg, code string) bool {
	for i := 0; i+len(code) <= len(msg); i++ {
		if msg[i:i+len(code)] == code {
			return true
		}
	}
	return false
}

// --- cluster -----------------------------------------------------------

func (s *Store) CreateCluster(ctx context.Context, c cluster.Cluster) (cluster.Cluster, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now(), now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cp_clusters (id, name, tier, api_key_hash, previous_api_key_hash, previous_api_key_expires_at, logging_profile, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.Name, c.Tier, c.APIKeyHash, c.PreviousAPIKeyHash, c.PreviousAPIKeyExpiresAt, c.LoggingProfile, c.Version, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return cluster.Cluster{}, storage.ErrConflict
	}
	if err != nil {
		return cluster.Cluster{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return c, nil
}

func (s *Store) UpdateCluster(ctx context.Context, c cluster.Cluster, expectedVersion int) (cluster.Cluster, error) {
	existing, err := s.GetCluster(ctx, c.ID)
	if err != nil {
		return cluster.Cluster{}, err
	}
	if existing.Version != expectedVersion {
		return cluster.Cluster{}, storage.ErrStaleWrite
	}
	c.Version = existing.Version + 1
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now()

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_clusters
		SET name = $2, tier = $3, api_key_hash = $4, previous_api_key_hash = $5, previous_api_key_expires_at = $6, logging_profile = $7, version = $8, updated_at = $9
		WHERE id = $1 AND version = $10
	`, c.ID, c.Name, c.Tier, c.APIKeyHash, c.PreviousAPIKeyHash, c.PreviousAPIKeyExpiresAt, c.LoggingProfile, c.Version, c.UpdatedAt, expectedVersion)
	if err != nil {
		return cluster.Cluster{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return cluster.Cluster{}, storage.ErrStaleWrite
	}
	return c, nil
}

const clusterColumns = "id, name, tier, api_key_hash, previous_api_key_hash, previous_api_key_expires_at, logging_profile, version, created_at, updated_at"

func (s *Store) scanCluster(row *sql.Row) (cluster.Cluster, error) {
	var c cluster.Cluster
	var prevHash sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Tier, &c.APIKeyHash, &prevHash, &c.PreviousAPIKeyExpiresAt, &c.LoggingProfile, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return cluster.Cluster{}, noRowsToNotFound(err)
	}
	c.PreviousAPIKeyHash = prevHash.String
	return c, nil
}

func (s *Store) GetCluster(ctx context.Context, id string) (cluster.Cluster, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM cp_clusters WHERE id = $1`, id)
	return s.scanCluster(row)
}

func (s *Store) GetClusterByName(ctx context.Context, name string) (cluster.Cluster, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM cp_clusters WHERE name = $1`, name)
	return s.scanCluster(row)
}

// GetClusterByAPIKeyHash matches either the current key or, while within its
// overlap window, the previous (rotated-out) key, per spec.md §4.4.
func (s *Store) GetClusterByAPIKeyHash(ctx context.Context, hash string) (cluster.Cluster, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+clusterColumns+` FROM cp_clusters
		WHERE api_key_hash = $1
		   OR (previous_api_key_hash = $1 AND previous_api_key_expires_at > now())
	`, hash)
	return s.scanCluster(row)
}

func (s *Store) ListClusters(ctx context.Context) ([]cluster.Cluster, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+clusterColumns+` FROM cp_clusters ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []cluster.Cluster
	for rows.Next() {
		var c cluster.Cluster
		var prevHash sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Tier, &c.APIKeyHash, &prevHash, &c.PreviousAPIKeyExpiresAt, &c.LoggingProfile, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		c.PreviousAPIKeyHash = prevHash.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM cp_clusters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- service -------------------------------------------------------------

func (s *Store) CreateService(ctx context.Context, sv svcdomain.Service) (svcdomain.Service, error) {
	if sv.ID == "" {
		sv.ID = uuid.NewString()
	}
	sv.Version = 1
	sv.CreatedAt, sv.UpdatedAt = now(), now()

	portsJSON, lbJSON, rlJSON, err := marshalServiceFields(sv)
	if err != nil {
		return svcdomain.Service{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cp_services
			(id, cluster_id, name, address, ports, protocol, auth_mode, load_balancing, rate_limit, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sv.ID, sv.ClusterID, sv.Name, sv.Address, portsJSON, sv.Protocol, sv.AuthMode, lbJSON, rlJSON, sv.Version, sv.CreatedAt, sv.UpdatedAt)
	if isUniqueViolation(err) {
		return svcdomain.Service{}, storage.ErrConflict
	}
	if err != nil {
		return svcdomain.Service{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return sv, nil
}

func marshalServiceFields(sv svcdomain.Service) (portsJSON, lbJSON, rlJSON []byte, err error) {
	if portsJSON, err = json.Marshal(sv.Ports); err != nil {
		return nil, nil, nil, err
	}
	if lbJSON, err = json.Marshal(sv.LoadBalancing); err != nil {
		return nil, nil, nil, err
	}
	if rlJSON, err = json.Marshal(sv.RateLimit); err != nil {
		return nil, nil, nil, err
	}
	return portsJSON, lbJSON, rlJSON, nil
}

func (s *Store) UpdateService(ctx context.Context, sv svcdomain.Service, expectedVersion int) (svcdomain.Service, error) {
	existing, err := s.GetService(ctx, sv.ClusterID, sv.ID)
	if err != nil {
		return svcdomain.Service{}, err
	}
	if existing.Version != expectedVersion {
		return svcdomain.Service{}, storage.ErrStaleWrite
	}
	sv.Version = existing.Version + 1
	sv.CreatedAt = existing.CreatedAt
	sv.UpdatedAt = now()

	portsJSON, lbJSON, rlJSON, err := marshalServiceFields(sv)
	if err != nil {
		return svcdomain.Service{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_services
		SET name = $3, address = $4, ports = $5, protocol = $6, auth_mode = $7,
		    load_balancing = $8, rate_limit = $9, version = $10, updated_at = $11
		WHERE id = $1 AND cluster_id = $2 AND version = $12
	`, sv.ID, sv.ClusterID, sv.Name, sv.Address, portsJSON, sv.Protocol, sv.AuthMode, lbJSON, rlJSON, sv.Version, sv.UpdatedAt, expectedVersion)
	if err != nil {
		return svcdomain.Service{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return svcdomain.Service{}, storage.ErrStaleWrite
	}
	return sv, nil
}

func scanService(row *sql.Row) (svcdomain.Service, error) {
	var (
		sv                      svcdomain.Service
		portsRaw, lbRaw, rlRaw  []byte
	)
	err := row.Scan(&sv.ID, &sv.ClusterID, &sv.Name, &sv.Address, &portsRaw, &sv.Protocol, &sv.AuthMode, &lbRaw, &rlRaw, &sv.Version, &sv.CreatedAt, &sv.UpdatedAt)
	if err != nil {
		return svcdomain.Service{}, noRowsToNotFound(err)
	}
	_ = json.Unmarshal(portsRaw, &sv.Ports)
	if len(lbRaw) > 0 && string(lbRaw) != "null" {
		sv.LoadBalancing = &svcdomain.LoadBalancingPolicy{}
		_ = json.Unmarshal(lbRaw, sv.LoadBalancing)
	}
	if len(rlRaw) > 0 && string(rlRaw) != "null" {
		sv.RateLimit = &svcdomain.RateLimitPolicy{}
		_ = json.Unmarshal(rlRaw, sv.RateLimit)
	}
	return sv, nil
}

func (s *Store) GetService(ctx context.Context, clusterID, id string) (svcdomain.Service, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, name, address, ports, protocol, auth_mode, load_balancing, rate_limit, version, created_at, updated_at
		FROM cp_services WHERE id = $1 AND cluster_id = $2
	`, id, clusterID)
	return scanService(row)
}

func (s *Store) GetServiceByName(ctx context.Context, clusterID, name string) (svcdomain.Service, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, name, address, ports, protocol, auth_mode, load_balancing, rate_limit, version, created_at, updated_at
		FROM cp_services WHERE cluster_id = $1 AND name = $2
	`, clusterID, name)
	return scanService(row)
}

func (s *Store) ListServices(ctx context.Context, clusterID string) ([]svcdomain.Service, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, cluster_id, name, address, ports, protocol, auth_mode, load_balancing, rate_limit, version, created_at, updated_at
		FROM cp_services WHERE cluster_id = $1 ORDER BY created_at
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []svcdomain.Service
	for rows.Next() {
		var (
			sv                     svcdomain.Service
			portsRaw, lbRaw, rlRaw []byte
		)
		if err := rows.Scan(&sv.ID, &sv.ClusterID, &sv.Name, &sv.Address, &portsRaw, &sv.Protocol, &sv.AuthMode, &lbRaw, &rlRaw, &sv.Version, &sv.CreatedAt, &sv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		_ = json.Unmarshal(portsRaw, &sv.Ports)
		if len(lbRaw) > 0 && string(lbRaw) != "null" {
			sv.LoadBalancing = &svcdomain.LoadBalancingPolicy{}
			_ = json.Unmarshal(lbRaw, sv.LoadBalancing)
		}
		if len(rlRaw) > 0 && string(rlRaw) != "null" {
			sv.RateLimit = &svcdomain.RateLimitPolicy{}
			_ = json.Unmarshal(rlRaw, sv.RateLimit)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *Store) DeleteService(ctx context.Context, clusterID, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM cp_services WHERE id = $1 AND cluster_id = $2`, id, clusterID)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- mapping ---------------------------------------------------------------

func (s *Store) CreateMapping(ctx context.Context, m mapping.Mapping) (mapping.Mapping, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now(), now()

	srcJSON, dstJSON, protoJSON, portsJSON, err := marshalMappingFields(m)
	if err != nil {
		return mapping.Mapping{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cp_mappings
			(id, cluster_id, source_service_ids, dest_service_ids, allowed_protocols, ports, auth_required, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.ClusterID, srcJSON, dstJSON, protoJSON, portsJSON, m.AuthRequired, m.Version, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapping.Mapping{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return m, nil
}

func marshalMappingFields(m mapping.Mapping) (src, dst, proto, ports []byte, err error) {
	if src, err = json.Marshal(m.SourceServiceIDs); err != nil {
		return
	}
	if dst, err = json.Marshal(m.DestServiceIDs); err != nil {
		return
	}
	if proto, err = json.Marshal(m.AllowedProtocols); err != nil {
		return
	}
	ports, err = json.Marshal(m.Ports)
	return
}

func (s *Store) UpdateMapping(ctx context.Context, m mapping.Mapping, expectedVersion int) (mapping.Mapping, error) {
	existing, err := s.GetMapping(ctx, m.ClusterID, m.ID)
	if err != nil {
		return mapping.Mapping{}, err
	}
	if existing.Version != expectedVersion {
		return mapping.Mapping{}, storage.ErrStaleWrite
	}
	m.Version = existing.Version + 1
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = now()

	srcJSON, dstJSON, protoJSON, portsJSON, err := marshalMappingFields(m)
	if err != nil {
		return mapping.Mapping{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_mappings
		SET source_service_ids = $3, dest_service_ids = $4, allowed_protocols = $5,
		    ports = $6, auth_required = $7, version = $8, updated_at = $9
		WHERE id = $1 AND cluster_id = $2 AND version = $10
	`, m.ID, m.ClusterID, srcJSON, dstJSON, protoJSON, portsJSON, m.AuthRequired, m.Version, m.UpdatedAt, expectedVersion)
	if err != nil {
		return mapping.Mapping{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return mapping.Mapping{}, storage.ErrStaleWrite
	}
	return m, nil
}

func scanMapping(row *sql.Row) (mapping.Mapping, error) {
	var (
		m                                     mapping.Mapping
		srcRaw, dstRaw, protoRaw, portsRaw []byte
	)
	err := row.Scan(&m.ID, &m.ClusterID, &srcRaw, &dstRaw, &protoRaw, &portsRaw, &m.AuthRequired, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return mapping.Mapping{}, noRowsToNotFound(err)
	}
	_ = json.Unmarshal(srcRaw, &m.SourceServiceIDs)
	_ = json.Unmarshal(dstRaw, &m.DestServiceIDs)
	_ = json.Unmarshal(protoRaw, &m.AllowedProtocols)
	_ = json.Unmarshal(portsRaw, &m.Ports)
	return m, nil
}

func (s *Store) GetMapping(ctx context.Context, clusterID, id string) (mapping.Mapping, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, source_service_ids, dest_service_ids, allowed_protocols, ports, auth_required, version, created_at, updated_at
		FROM cp_mappings WHERE id = $1 AND cluster_id = $2
	`, id, clusterID)
	return scanMapping(row)
}

func (s *Store) ListMappings(ctx context.Context, clusterID string) ([]mapping.Mapping, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, cluster_id, source_service_ids, dest_service_ids, allowed_protocols, ports, auth_required, version, created_at, updated_at
		FROM cp_mappings WHERE cluster_id = $1 ORDER BY created_at
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

// ListMappingsReferencingService relies on Postgres JSONB containment so the
// in-process cascade check (service delete) does not need to decode every
// mapping row in the cluster.
func (s *Store) ListMappingsReferencingService(ctx context.Context, clusterID, serviceID string) ([]mapping.Mapping, error) {
	needle, _ := json.Marshal(serviceID)
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, cluster_id, source_service_ids, dest_service_ids, allowed_protocols, ports, auth_required, version, created_at, updated_at
		FROM cp_mappings
		WHERE cluster_id = $1 AND (source_service_ids::jsonb @> $2::jsonb OR dest_service_ids::jsonb @> $2::jsonb)
		ORDER BY created_at
	`, clusterID, fmt.Sprintf("[%s]", needle))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

func scanMappingRows(rows *sql.Rows) ([]mapping.Mapping, error) {
	var out []mapping.Mapping
	for rows.Next() {
		var (
			m                                  mapping.Mapping
			srcRaw, dstRaw, protoRaw, portsRaw []byte
		)
		if err := rows.Scan(&m.ID, &m.ClusterID, &srcRaw, &dstRaw, &protoRaw, &portsRaw, &m.AuthRequired, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		_ = json.Unmarshal(srcRaw, &m.SourceServiceIDs)
		_ = json.Unmarshal(dstRaw, &m.DestServiceIDs)
		_ = json.Unmarshal(protoRaw, &m.AllowedProtocols)
		_ = json.Unmarshal(portsRaw, &m.Ports)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) DeleteMapping(ctx context.Context, clusterID, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM cp_mappings WHERE id = $1 AND cluster_id = $2`, id, clusterID)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- proxy -----------------------------------------------------------------

func (s *Store) CreateProxy(ctx context.Context, p proxy.Registration) (proxy.Registration, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now(), now()

	capsJSON, err := json.Marshal(p.Capabilities)
	if err != nil {
		return proxy.Registration{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cp_proxies
			(id, cluster_id, declared_type, capabilities, software_version, last_seen, status, client_cert_handle, token_hash, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.ClusterID, p.DeclaredType, capsJSON, p.SoftwareVersion, p.LastSeen, p.Status, p.ClientCertHandle, p.TokenHash, p.Version, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return proxy.Registration{}, storage.ErrConflict
	}
	if err != nil {
		return proxy.Registration{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return p, nil
}

func (s *Store) UpdateProxy(ctx context.Context, p proxy.Registration, expectedVersion int) (proxy.Registration, error) {
	existing, err := s.GetProxy(ctx, p.ClusterID, p.ID)
	if err != nil {
		return proxy.Registration{}, err
	}
	if existing.Version != expectedVersion {
		return proxy.Registration{}, storage.ErrStaleWrite
	}
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = now()

	capsJSON, err := json.Marshal(p.Capabilities)
	if err != nil {
		return proxy.Registration{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_proxies
		SET declared_type = $3, capabilities = $4, software_version = $5, last_seen = $6,
		    status = $7, client_cert_handle = $8, token_hash = $9, version = $10, updated_at = $11
		WHERE id = $1 AND cluster_id = $2 AND version = $12
	`, p.ID, p.ClusterID, p.DeclaredType, capsJSON, p.SoftwareVersion, p.LastSeen, p.Status, p.ClientCertHandle, p.TokenHash, p.Version, p.UpdatedAt, expectedVersion)
	if err != nil {
		return proxy.Registration{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return proxy.Registration{}, storage.ErrStaleWrite
	}
	return p, nil
}

func scanProxy(row *sql.Row) (proxy.Registration, error) {
	var (
		p       proxy.Registration
		capsRaw []byte
	)
	err := row.Scan(&p.ID, &p.ClusterID, &p.DeclaredType, &capsRaw, &p.SoftwareVersion, &p.LastSeen, &p.Status, &p.ClientCertHandle, &p.TokenHash, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return proxy.Registration{}, noRowsToNotFound(err)
	}
	_ = json.Unmarshal(capsRaw, &p.Capabilities)
	return p, nil
}

func (s *Store) GetProxy(ctx context.Context, clusterID, id string) (proxy.Registration, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, declared_type, capabilities, software_version, last_seen, status, client_cert_handle, token_hash, version, created_at, updated_at
		FROM cp_proxies WHERE id = $1 AND cluster_id = $2
	`, id, clusterID)
	return scanProxy(row)
}

func (s *Store) GetProxyByTokenHash(ctx context.Context, tokenHash string) (proxy.Registration, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, declared_type, capabilities, software_version, last_seen, status, client_cert_handle, token_hash, version, created_at, updated_at
		FROM cp_proxies WHERE token_hash = $1
	`, tokenHash)
	return scanProxy(row)
}

func (s *Store) ListProxies(ctx context.Context, clusterID string) ([]proxy.Registration, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, cluster_id, declared_type, capabilities, software_version, last_seen, status, client_cert_handle, token_hash, version, created_at, updated_at
		FROM cp_proxies WHERE cluster_id = $1 ORDER BY created_at
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []proxy.Registration
	for rows.Next() {
		var (
			p       proxy.Registration
			capsRaw []byte
		)
		if err := rows.Scan(&p.ID, &p.ClusterID, &p.DeclaredType, &capsRaw, &p.SoftwareVersion, &p.LastSeen, &p.Status, &p.ClientCertHandle, &p.TokenHash, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		_ = json.Unmarshal(capsRaw, &p.Capabilities)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountActiveProxies counts proxies that either hold a license seat already
// (active) or are mid-registration and about to claim one (registering), so
// a burst of concurrent registrations before any heartbeat lands can't all
// slip in under the licensed limit.
func (s *Store) CountActiveProxies(ctx context.Context, clusterID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM cp_proxies WHERE cluster_id = $1 AND status IN ($2, $3)
	`, clusterID, proxy.StatusActive, proxy.StatusRegistering).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return n, nil
}

func (s *Store) DeleteProxy(ctx context.Context, clusterID, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM cp_proxies WHERE id = $1 AND cluster_id = $2`, id, clusterID)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- user --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = now(), now()

	rolesJSON, err := json.Marshal(u.Roles)
	if err != nil {
		return user.User{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cp_users (id, login, password_hash, totp_secret, roles, locked_until, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Login, u.PasswordHash, u.TOTPSecret, rolesJSON, u.LockedUntil, u.Version, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return user.User{}, storage.ErrConflict
	}
	if err != nil {
		return user.User{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User, expectedVersion int) (user.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}
	if existing.Version != expectedVersion {
		return user.User{}, storage.ErrStaleWrite
	}
	u.Version = existing.Version + 1
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = now()

	rolesJSON, err := json.Marshal(u.Roles)
	if err != nil {
		return user.User{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_users
		SET login = $2, password_hash = $3, totp_secret = $4, roles = $5, locked_until = $6, version = $7, updated_at = $8
		WHERE id = $1 AND version = $9
	`, u.ID, u.Login, u.PasswordHash, u.TOTPSecret, rolesJSON, u.LockedUntil, u.Version, u.UpdatedAt, expectedVersion)
	if err != nil {
		return user.User{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrStaleWrite
	}
	return u, nil
}

func scanUser(row *sql.Row) (user.User, error) {
	var (
		u         user.User
		rolesRaw  []byte
	)
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.TOTPSecret, &rolesRaw, &u.LockedUntil, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return user.User{}, noRowsToNotFound(err)
	}
	_ = json.Unmarshal(rolesRaw, &u.Roles)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, login, password_hash, totp_secret, roles, locked_until, version, created_at, updated_at
		FROM cp_users WHERE id = $1
	`, id)
	return scanUser(row)
}

func (s *Store) GetUserByLogin(ctx context.Context, login string) (user.User, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, login, password_hash, totp_secret, roles, locked_until, version, created_at, updated_at
		FROM cp_users WHERE login = $1
	`, login)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, login, password_hash, totp_secret, roles, locked_until, version, created_at, updated_at
		FROM cp_users ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []user.User
	for rows.Next() {
		var (
			u        user.User
			rolesRaw []byte
		)
		if err := rows.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.TOTPSecret, &rolesRaw, &u.LockedUntil, &u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		_ = json.Unmarshal(rolesRaw, &u.Roles)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM cp_users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- sessions ---

func (s *Store) CreateRefreshToken(ctx context.Context, t user.RefreshToken) (user.RefreshToken, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = now()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cp_refresh_tokens (id, user_id, token_hash, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.Used, t.CreatedAt)
	if isUniqueViolation(err) {
		return user.RefreshToken{}, storage.ErrConflict
	}
	if err != nil {
		return user.RefreshToken{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return t, nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (user.RefreshToken, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, used, created_at
		FROM cp_refresh_tokens WHERE token_hash = $1
	`, tokenHash)
	var t user.RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used, &t.CreatedAt); err != nil {
		return user.RefreshToken{}, noRowsToNotFound(err)
	}
	return t, nil
}

func (s *Store) MarkRefreshTokenUsed(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `UPDATE cp_refresh_tokens SET used = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRefreshTokensForUser(ctx context.Context, userID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM cp_refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return nil
}

// --- CA ------------------------------------------------------------------

func (s *Store) CreateCA(ctx context.Context, ca cert.CA) (cert.CA, error) {
	if ca.ID == "" {
		ca.ID = uuid.NewString()
	}
	ca.Version = 1
	ca.CreatedAt, ca.UpdatedAt = now(), now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cp_cas
			(id, cluster_id, public_cert_pem, private_key_handle, status, not_before, not_after, serial_counter, retiring_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ca.ID, ca.ClusterID, ca.PublicCertPEM, ca.PrivateKeyHandle, ca.Status, ca.NotBefore, ca.NotAfter, ca.SerialCounter, ca.RetiringAt, ca.Version, ca.CreatedAt, ca.UpdatedAt)
	if err != nil {
		return cert.CA{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return ca, nil
}

func (s *Store) UpdateCA(ctx context.Context, ca cert.CA, expectedVersion int) (cert.CA, error) {
	existing, err := s.getCAByID(ctx, ca.ClusterID, ca.ID)
	if err != nil {
		return cert.CA{}, err
	}
	if existing.Version != expectedVersion {
		return cert.CA{}, storage.ErrStaleWrite
	}
	ca.Version = existing.Version + 1
	ca.CreatedAt = existing.CreatedAt
	ca.UpdatedAt = now()

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_cas
		SET public_cert_pem = $3, private_key_handle = $4, status = $5, not_before = $6,
		    not_after = $7, serial_counter = $8, retiring_at = $9, version = $10, updated_at = $11
		WHERE id = $1 AND cluster_id = $2 AND version = $12
	`, ca.ID, ca.ClusterID, ca.PublicCertPEM, ca.PrivateKeyHandle, ca.Status, ca.NotBefore, ca.NotAfter, ca.SerialCounter, ca.RetiringAt, ca.Version, ca.UpdatedAt, expectedVersion)
	if err != nil {
		return cert.CA{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return cert.CA{}, storage.ErrStaleWrite
	}
	return ca, nil
}

func scanCA(row *sql.Row) (cert.CA, error) {
	var c cert.CA
	err := row.Scan(&c.ID, &c.ClusterID, &c.PublicCertPEM, &c.PrivateKeyHandle, &c.Status, &c.NotBefore, &c.NotAfter, &c.SerialCounter, &c.RetiringAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return cert.CA{}, noRowsToNotFound(err)
	}
	return c, nil
}

func (s *Store) getCAByID(ctx context.Context, clusterID, id string) (cert.CA, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, public_cert_pem, private_key_handle, status, not_before, not_after, serial_counter, retiring_at, version, created_at, updated_at
		FROM cp_cas WHERE id = $1 AND cluster_id = $2
	`, id, clusterID)
	return scanCA(row)
}

func (s *Store) GetActiveCA(ctx context.Context, clusterID string) (cert.CA, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, cluster_id, public_cert_pem, private_key_handle, status, not_before, not_after, serial_counter, retiring_at, version, created_at, updated_at
		FROM cp_cas WHERE cluster_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
	`, clusterID, cert.CAStatusActive)
	return scanCA(row)
}

func (s *Store) ListCAs(ctx context.Context, clusterID string) ([]cert.CA, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, cluster_id, public_cert_pem, private_key_handle, status, not_before, not_after, serial_counter, retiring_at, version, created_at, updated_at
		FROM cp_cas WHERE cluster_id = $1 ORDER BY created_at
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []cert.CA
	for rows.Next() {
		var c cert.CA
		if err := rows.Scan(&c.ID, &c.ClusterID, &c.PublicCertPEM, &c.PrivateKeyHandle, &c.Status, &c.NotBefore, &c.NotAfter, &c.SerialCounter, &c.RetiringAt, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- certificates / CRL ----------------------------------------------------

func (s *Store) CreateCertificate(ctx context.Context, c cert.Certificate) (cert.Certificate, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now(), now()

	sansJSON, err := json.Marshal(c.SANs)
	if err != nil {
		return cert.Certificate{}, err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cp_certificates
			(id, ca_id, cluster_id, subject, sans, usage, serial, not_before, not_after, status, public_cert_pem, private_key_handle, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, c.ID, c.CAID, c.ClusterID, c.Subject, sansJSON, c.Usage, c.Serial, c.NotBefore, c.NotAfter, c.Status, c.PublicCertPEM, c.PrivateKeyHandle, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return cert.Certificate{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return c, nil
}

func (s *Store) UpdateCertificate(ctx context.Context, c cert.Certificate, expectedVersion int) (cert.Certificate, error) {
	existing, err := s.GetCertificate(ctx, c.ClusterID, c.ID)
	if err != nil {
		return cert.Certificate{}, err
	}
	if existing.Version != expectedVersion {
		return cert.Certificate{}, storage.ErrStaleWrite
	}
	c.Version = existing.Version + 1
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = now()

	sansJSON, err := json.Marshal(c.SANs)
	if err != nil {
		return cert.Certificate{}, err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE cp_certificates
		SET subject = $3, sans = $4, usage = $5, serial = $6, not_before = $7, not_after = $8,
		    status = $9, public_cert_pem = $10, private_key_handle = $11, version = $12, updated_at = $13
		WHERE id = $1 AND cluster_id = $2 AND version = $14
	`, c.ID, c.ClusterID, c.Subject, sansJSON, c.Usage, c.Serial, c.NotBefore, c.NotAfter, c.Status, c.PublicCertPEM, c.PrivateKeyHandle, c.Version, c.UpdatedAt, expectedVersion)
	if err != nil {
		return cert.Certificate{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return cert.Certificate{}, storage.ErrStaleWrite
	}
	return c, nil
}

func (s *Store) GetCertificate(ctx context.Context, clusterID, id string) (cert.Certificate, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, ca_id, cluster_id, subject, sans, usage, serial, not_before, not_after, status, public_cert_pem, private_key_handle, version, created_at, updated_at
		FROM cp_certificates WHERE id = $1 AND cluster_id = $2
	`, id, clusterID)
	var (
		c       cert.Certificate
		sansRaw []byte
	)
	err := row.Scan(&c.ID, &c.CAID, &c.ClusterID, &c.Subject, &sansRaw, &c.Usage, &c.Serial, &c.NotBefore, &c.NotAfter, &c.Status, &c.PublicCertPEM, &c.PrivateKeyHandle, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return cert.Certificate{}, noRowsToNotFound(err)
	}
	_ = json.Unmarshal(sansRaw, &c.SANs)
	return c, nil
}

func (s *Store) ListCertificates(ctx context.Context, clusterID string) ([]cert.Certificate, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, ca_id, cluster_id, subject, sans, usage, serial, not_before, not_after, status, public_cert_pem, private_key_handle, version, created_at, updated_at
		FROM cp_certificates WHERE cluster_id = $1 ORDER BY created_at
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []cert.Certificate
	for rows.Next() {
		var (
			c       cert.Certificate
			sansRaw []byte
		)
		if err := rows.Scan(&c.ID, &c.CAID, &c.ClusterID, &c.Subject, &sansRaw, &c.Usage, &c.Serial, &c.NotBefore, &c.NotAfter, &c.Status, &c.PublicCertPEM, &c.PrivateKeyHandle, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		_ = json.Unmarshal(sansRaw, &c.SANs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) AppendCRLEntry(ctx context.Context, e cert.CRLEntry) (cert.CRLEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.RevokedAt = now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cp_crl_entries (id, ca_id, cluster_id, revoked_serial, reason, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.CAID, e.ClusterID, e.RevokedSerial, e.Reason, e.RevokedAt)
	if err != nil {
		return cert.CRLEntry{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return e, nil
}

func (s *Store) ListCRLEntries(ctx context.Context, caID string) ([]cert.CRLEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, ca_id, cluster_id, revoked_serial, reason, revoked_at
		FROM cp_crl_entries WHERE ca_id = $1 ORDER BY revoked_at
	`, caID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []cert.CRLEntry
	for rows.Next() {
		var e cert.CRLEntry
		if err := rows.Scan(&e.ID, &e.CAID, &e.ClusterID, &e.RevokedSerial, &e.Reason, &e.RevokedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) IsRevoked(ctx context.Context, caID string, serial int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM cp_crl_entries WHERE ca_id = $1 AND revoked_serial = $2
	`, caID, serial).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return n > 0, nil
}

// --- audit -----------------------------------------------------------------

// AppendAuditEvent takes its sequence number from nextval on
// cp_audit_sequence, which is strictly increasing under concurrent writers
// without a separate locking scheme. Numbers are not gap-free: a failed
// insert or a NextSequence call consumes a value.
func (s *Store) AppendAuditEvent(ctx context.Context, e auditlog.Event) (auditlog.Event, error) {
	seq, err := s.NextSequence(ctx)
	if err != nil {
		return auditlog.Event{}, err
	}
	e.Sequence = seq
	e.Timestamp = now()

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cp_audit_events
			(sequence, timestamp, actor_id, actor_kind, cluster_id, action, before_hash, after_hash, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.Sequence, e.Timestamp, e.ActorID, e.ActorKind, e.ClusterID, e.Action, e.BeforeHash, e.AfterHash, e.Outcome, e.Detail)
	if err != nil {
		return auditlog.Event{}, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return e, nil
}

func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.q.QueryRowContext(ctx, `SELECT nextval('cp_audit_sequence')`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return seq, nil
}

func (s *Store) ListAuditEvents(ctx context.Context, clusterID string, limit int) ([]auditlog.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if clusterID == "" {
		rows, err = s.q.QueryContext(ctx, `
			SELECT sequence, timestamp, actor_id, actor_kind, cluster_id, action, before_hash, after_hash, outcome, detail
			FROM cp_audit_events ORDER BY sequence DESC LIMIT $1
		`, limit)
	} else {
		rows, err = s.q.QueryContext(ctx, `
			SELECT sequence, timestamp, actor_id, actor_kind, cluster_id, action, before_hash, after_hash, outcome, detail
			FROM cp_audit_events WHERE cluster_id = $1 ORDER BY sequence DESC LIMIT $2
		`, clusterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	defer rows.Close()

	var out []auditlog.Event
	for rows.Next() {
		var e auditlog.Event
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.ActorID, &e.ActorKind, &e.ClusterID, &e.Action, &e.BeforeHash, &e.AfterHash, &e.Outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrStore, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithTx runs fn against a transaction-scoped Store sharing the same
// underlying *sql.DB; fn's Store argument routes every call through the
// open *sql.Tx so multi-aggregate writes commit or roll back atomically.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}

	txStore := &Store{db: s.db, q: tx}
	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStore, err)
	}
	return nil
}
