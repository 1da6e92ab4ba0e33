// Package cluster implements the entity service layer's cluster lifecycle
// operations (spec.md §4.5): creation gated by license tier availability,
// API-key rotation with an overlap window, and retrieval/listing/deletion.
// Every mutation is audited and marks the cluster's discovery snapshot
// dirty, grounded on the teacher's internal/services/datalink.Service
// coordination shape (store + domain validation + structured logging).
package cluster

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/core/service"
	domaincluster "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/dirty"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/license"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

// RotationOverlapWindow is how long a rotated-out cluster API key remains
// valid alongside the new one, so in-flight proxies can re-register rather
// than losing connectivity the instant a key is rotated.
const RotationOverlapWindow = 24 * time.Hour

const actorKindOperator = "operator"

// Service coordinates the cluster aggregate's lifecycle.
type Service struct {
	store   storage.ClusterStore
	license *license.Gate
	audit   *audit.Writer
	dirty   dirty.Marker
	log     *logger.Logger
	now     func() time.Time
}

// New builds a cluster Service.
func New(store storage.ClusterStore, lic *license.Gate, aw *audit.Writer, dm dirty.Marker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("services.cluster")
	}
	if dm == nil {
		dm = dirty.NoopMarker{}
	}
	return &Service{
		store:   store,
		license: lic,
		audit:   aw,
		dirty:   dm,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create provisions a new cluster and its initial API key. It fails if the
// requested tier is unavailable under the current license, or if name is
// already taken.
func (s *Service) Create(ctx context.Context, actorID, name string, tier domaincluster.Tier) (domaincluster.Cluster, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domaincluster.Cluster{}, "", apperrors.Validation("name", "must not be empty")
	}
	switch tier {
	case domaincluster.TierCommunity, domaincluster.TierEnterprise:
	default:
		return domaincluster.Cluster{}, "", apperrors.Validation("tier", "must be community or enterprise")
	}

	if _, err := s.store.GetClusterByName(ctx, name); err == nil {
		return domaincluster.Cluster{}, "", apperrors.Conflict(fmt.Sprintf("cluster name %q already in use", name))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domaincluster.Cluster{}, "", apperrors.Unavailable("lookup cluster by name", err)
	}

	if s.license != nil && tier == domaincluster.TierEnterprise {
		if _, err := s.license.Check(ctx, license.Request{ClusterID: "global", Feature: "tier:enterprise"}); err != nil {
			if errors.Is(err, license.ErrLicenseQuotaExceeded) {
				return domaincluster.Cluster{}, "", apperrors.QuotaExceeded(0)
			}
			return domaincluster.Cluster{}, "", apperrors.LicenseUnavailable(err)
		}
	}

	rawKey, err := randomAPIKey()
	if err != nil {
		return domaincluster.Cluster{}, "", apperrors.Internal("generate api key", err)
	}

	created, err := s.store.CreateCluster(ctx, domaincluster.Cluster{
		Name:           name,
		Tier:           tier,
		APIKeyHash:     hashAPIKey(rawKey),
		LoggingProfile: domaincluster.LoggingProfileStandard,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return domaincluster.Cluster{}, "", apperrors.Conflict(fmt.Sprintf("cluster name %q already in use", name))
		}
		return domaincluster.Cluster{}, "", apperrors.Unavailable("persist cluster", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, created.ID, "cluster.create")
	}
	s.log.WithField("cluster_id", created.ID).WithField("tier", string(tier)).Info("cluster created")
	return created, rawKey, nil
}

// Get returns a cluster by id.
func (s *Service) Get(ctx context.Context, id string) (domaincluster.Cluster, error) {
	c, err := s.store.GetCluster(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domaincluster.Cluster{}, apperrors.NotFound("cluster", id)
		}
		return domaincluster.Cluster{}, apperrors.Unavailable("get cluster", err)
	}
	return c, nil
}

// List returns every cluster, capped at service.MaxListLimit entries so a
// single request can't force an unbounded response.
func (s *Service) List(ctx context.Context) ([]domaincluster.Cluster, error) {
	all, err := s.store.ListClusters(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("list clusters", err)
	}
	if listCap := service.ClampLimit(0, service.MaxListLimit, service.MaxListLimit); len(all) > listCap {
		all = all[:listCap]
	}
	return all, nil
}

// RotateAPIKey replaces a cluster's active API key with a fresh one,
// retiring the old key into the overlap window instead of revoking it
// immediately.
func (s *Service) RotateAPIKey(ctx context.Context, actorID, clusterID string) (string, error) {
	c, err := s.Get(ctx, clusterID)
	if err != nil {
		return "", err
	}

	rawKey, err := randomAPIKey()
	if err != nil {
		return "", apperrors.Internal("generate api key", err)
	}
	expiry := s.now().Add(RotationOverlapWindow)
	c.PreviousAPIKeyHash = c.APIKeyHash
	c.PreviousAPIKeyExpiresAt = &expiry
	c.APIKeyHash = hashAPIKey(rawKey)

	if _, err := s.store.UpdateCluster(ctx, c, c.Version); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return "", apperrors.StaleWrite(c.Version)
		}
		return "", apperrors.Unavailable("persist rotated cluster key", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, clusterID, "cluster.rotate_api_key")
	}
	s.dirty.MarkDirty(clusterID)
	s.log.WithField("cluster_id", clusterID).Info("cluster api key rotated")
	return rawKey, nil
}

// Delete removes a cluster. Callers are responsible for ensuring dependent
// services/mappings/proxies have already been removed; the store enforces
// referential integrity where the backend supports it.
func (s *Service) Delete(ctx context.Context, actorID, clusterID string) error {
	if err := s.store.DeleteCluster(ctx, clusterID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("cluster", clusterID)
		}
		return apperrors.Unavailable("delete cluster", err)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, clusterID, "cluster.delete")
	}
	s.dirty.MarkDirty(clusterID)
	return nil
}

func randomAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
