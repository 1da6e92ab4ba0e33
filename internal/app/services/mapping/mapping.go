// Package mapping implements the entity service layer's traffic-rule
// operations (spec.md §4.5): validating that referenced services exist and
// belong to the same cluster, that mapping ports are contained within the
// referenced services' port ranges, and that the auth-required flag is
// consistent with the destination services' auth modes.
package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/core/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/dirty"
	domainmapping "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

const actorKindOperator = "operator"

// Service coordinates the mapping aggregate's lifecycle.
type Service struct {
	store    storage.MappingStore
	services storage.ServiceStore
	audit    *audit.Writer
	dirty    dirty.Marker
	log      *logger.Logger
}

// New builds a mapping Service.
func New(store storage.MappingStore, services storage.ServiceStore, aw *audit.Writer, dm dirty.Marker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("services.mapping")
	}
	if dm == nil {
		dm = dirty.NoopMarker{}
	}
	return &Service{store: store, services: services, audit: aw, dirty: dm, log: log}
}

// Create validates and persists a new mapping.
func (s *Service) Create(ctx context.Context, actorID string, m domainmapping.Mapping) (domainmapping.Mapping, error) {
	if err := s.validate(ctx, &m); err != nil {
		return domainmapping.Mapping{}, err
	}

	created, err := s.store.CreateMapping(ctx, m)
	if err != nil {
		return domainmapping.Mapping{}, apperrors.Unavailable("persist mapping", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, created.ClusterID, "mapping.create")
	}
	s.dirty.MarkDirty(created.ClusterID)
	s.log.WithField("mapping_id", created.ID).WithField("cluster_id", created.ClusterID).Info("mapping created")
	return created, nil
}

// Update applies an optimistic-concurrency update.
func (s *Service) Update(ctx context.Context, actorID string, m domainmapping.Mapping, expectedVersion int) (domainmapping.Mapping, error) {
	if err := s.validate(ctx, &m); err != nil {
		return domainmapping.Mapping{}, err
	}

	updated, err := s.store.UpdateMapping(ctx, m, expectedVersion)
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			current, getErr := s.store.GetMapping(ctx, m.ClusterID, m.ID)
			if getErr == nil {
				return current, apperrors.StaleWrite(current.Version)
			}
			return domainmapping.Mapping{}, apperrors.StaleWrite(expectedVersion)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return domainmapping.Mapping{}, apperrors.NotFound("mapping", m.ID)
		}
		return domainmapping.Mapping{}, apperrors.Unavailable("persist mapping update", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, updated.ClusterID, "mapping.update")
	}
	s.dirty.MarkDirty(updated.ClusterID)
	return updated, nil
}

// Get returns a mapping scoped to clusterID.
func (s *Service) Get(ctx context.Context, clusterID, id string) (domainmapping.Mapping, error) {
	m, err := s.store.GetMapping(ctx, clusterID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domainmapping.Mapping{}, apperrors.NotFound("mapping", id)
		}
		return domainmapping.Mapping{}, apperrors.Unavailable("get mapping", err)
	}
	return m, nil
}

// List returns every mapping owned by clusterID, capped at
// service.MaxListLimit entries so a single request can't force an
// unbounded response.
func (s *Service) List(ctx context.Context, clusterID string) ([]domainmapping.Mapping, error) {
	all, err := s.store.ListMappings(ctx, clusterID)
	if err != nil {
		return nil, apperrors.Unavailable("list mappings", err)
	}
	if listCap := service.ClampLimit(0, service.MaxListLimit, service.MaxListLimit); len(all) > listCap {
		all = all[:listCap]
	}
	return all, nil
}

// Delete removes a mapping.
func (s *Service) Delete(ctx context.Context, actorID, clusterID, id string) error {
	if err := s.store.DeleteMapping(ctx, clusterID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("mapping", id)
		}
		return apperrors.Unavailable("delete mapping", err)
	}
	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, clusterID, "mapping.delete")
	}
	s.dirty.MarkDirty(clusterID)
	return nil
}

func (s *Service) validate(ctx context.Context, m *domainmapping.Mapping) error {
	if m.ClusterID == "" {
		return apperrors.Validation("cluster_id", "must not be empty")
	}
	if len(m.SourceServiceIDs) == 0 {
		return apperrors.Validation("source_service_ids", "at least one source service is required")
	}
	if len(m.DestServiceIDs) == 0 {
		return apperrors.Validation("dest_service_ids", "at least one destination service is required")
	}
	if len(m.AllowedProtocols) == 0 {
		return apperrors.Validation("allowed_protocols", "at least one protocol is required")
	}

	sources, err := s.resolveServices(ctx, m.ClusterID, m.SourceServiceIDs)
	if err != nil {
		return err
	}
	dests, err := s.resolveServices(ctx, m.ClusterID, m.DestServiceIDs)
	if err != nil {
		return err
	}

	for _, port := range m.Ports {
		if !anyServiceContainsPort(dests, port) {
			return apperrors.Validation("ports", fmt.Sprintf("port %d is not within any destination service's port set", port))
		}
	}

	if m.AuthRequired {
		for _, d := range dests {
			if d.AuthMode == svcdomain.AuthModeNone {
				return apperrors.Validation("auth_required", fmt.Sprintf("destination service %q does not support auth", d.Name))
			}
		}
	}
	_ = sources // sources are resolved solely to confirm existence/ownership
	return nil
}

func (s *Service) resolveServices(ctx context.Context, clusterID string, ids []string) ([]svcdomain.Service, error) {
	out := make([]svcdomain.Service, 0, len(ids))
	for _, id := range ids {
		svcRec, err := s.services.GetService(ctx, clusterID, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apperrors.Validation("service_ids", fmt.Sprintf("service %s does not exist in this cluster", id))
			}
			return nil, apperrors.Unavailable("resolve referenced service", err)
		}
		out = append(out, svcRec)
	}
	return out, nil
}

func anyServiceContainsPort(services []svcdomain.Service, port int) bool {
	for _, svcRec := range services {
		for _, pr := range svcRec.Ports {
			if port >= pr.Low && port <= pr.High {
				return true
			}
		}
	}
	return false
}
