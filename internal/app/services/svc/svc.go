// Package svc implements the entity service layer's backend-service
// operations (spec.md §4.5). Named svc (not service) to avoid colliding
// with the domain package it wraps and with core/service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/core/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/dirty"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/pkg/logger"
)

const actorKindOperator = "operator"

// Service coordinates the backend-service aggregate's lifecycle.
type Service struct {
	store storage.ServiceStore
	audit *audit.Writer
	dirty dirty.Marker
	log   *logger.Logger
}

// New builds a svc.Service.
func New(store storage.ServiceStore, aw *audit.Writer, dm dirty.Marker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("services.svc")
	}
	if dm == nil {
		dm = dirty.NoopMarker{}
	}
	return &Service{store: store, audit: aw, dirty: dm, log: log}
}

// Create validates and persists a new backend service.
func (s *Service) Create(ctx context.Context, actorID string, svc svcdomain.Service) (svcdomain.Service, error) {
	if err := normalize(&svc); err != nil {
		return svcdomain.Service{}, err
	}

	if _, err := s.store.GetServiceByName(ctx, svc.ClusterID, svc.Name); err == nil {
		return svcdomain.Service{}, apperrors.Conflict(fmt.Sprintf("service name %q already in use", svc.Name))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return svcdomain.Service{}, apperrors.Unavailable("lookup service by name", err)
	}

	created, err := s.store.CreateService(ctx, svc)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return svcdomain.Service{}, apperrors.Conflict(fmt.Sprintf("service name %q already in use", svc.Name))
		}
		return svcdomain.Service{}, apperrors.Unavailable("persist service", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, created.ClusterID, "service.create")
	}
	s.dirty.MarkDirty(created.ClusterID)
	s.log.WithField("service_id", created.ID).WithField("cluster_id", created.ClusterID).Info("service created")
	return created, nil
}

// Update applies an optimistic-concurrency update to an existing service.
func (s *Service) Update(ctx context.Context, actorID string, svc svcdomain.Service, expectedVersion int) (svcdomain.Service, error) {
	if err := normalize(&svc); err != nil {
		return svcdomain.Service{}, err
	}

	updated, err := s.store.UpdateService(ctx, svc, expectedVersion)
	if err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			current, getErr := s.store.GetService(ctx, svc.ClusterID, svc.ID)
			if getErr == nil {
				return current, apperrors.StaleWrite(current.Version)
			}
			return svcdomain.Service{}, apperrors.StaleWrite(expectedVersion)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return svcdomain.Service{}, apperrors.NotFound("service", svc.ID)
		}
		return svcdomain.Service{}, apperrors.Unavailable("persist service update", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, updated.ClusterID, "service.update")
	}
	s.dirty.MarkDirty(updated.ClusterID)
	return updated, nil
}

// Get returns a service scoped to clusterID.
func (s *Service) Get(ctx context.Context, clusterID, id string) (svcdomain.Service, error) {
	svcRec, err := s.store.GetService(ctx, clusterID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return svcdomain.Service{}, apperrors.NotFound("service", id)
		}
		return svcdomain.Service{}, apperrors.Unavailable("get service", err)
	}
	return svcRec, nil
}

// List returns every service owned by clusterID, capped at
// service.MaxListLimit entries so a single request can't force an
// unbounded response.
func (s *Service) List(ctx context.Context, clusterID string) ([]svcdomain.Service, error) {
	all, err := s.store.ListServices(ctx, clusterID)
	if err != nil {
		return nil, apperrors.Unavailable("list services", err)
	}
	if listCap := service.ClampLimit(0, service.MaxListLimit, service.MaxListLimit); len(all) > listCap {
		all = all[:listCap]
	}
	return all, nil
}

// Delete removes a service, failing if any mapping still references it
// unless cascade is set, in which case referencing mappings are removed
// first.
func (s *Service) Delete(ctx context.Context, actorID, clusterID, id string, cascade bool, mappings storage.MappingStore) error {
	refs, err := mappings.ListMappingsReferencingService(ctx, clusterID, id)
	if err != nil {
		return apperrors.Unavailable("check mapping references", err)
	}
	if len(refs) > 0 && !cascade {
		return apperrors.InUse(fmt.Sprintf("service %s is referenced by %d mapping(s)", id, len(refs)))
	}
	for _, m := range refs {
		if err := mappings.DeleteMapping(ctx, clusterID, m.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return apperrors.Unavailable("cascade-delete referencing mapping", err)
		}
	}

	if err := s.store.DeleteService(ctx, clusterID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("service", id)
		}
		return apperrors.Unavailable("delete service", err)
	}

	if s.audit != nil {
		_ = s.audit.RecordSuccess(ctx, actorID, actorKindOperator, clusterID, "service.delete")
	}
	s.dirty.MarkDirty(clusterID)
	return nil
}

func normalize(svc *svcdomain.Service) error {
	svc.Name = strings.TrimSpace(svc.Name)
	svc.Address = strings.TrimSpace(svc.Address)
	if svc.ClusterID == "" {
		return apperrors.Validation("cluster_id", "must not be empty")
	}
	if svc.Name == "" {
		return apperrors.Validation("name", "must not be empty")
	}
	if svc.Address == "" {
		return apperrors.Validation("address", "must not be empty")
	}
	if len(svc.Ports) == 0 {
		return apperrors.Validation("ports", "at least one port range is required")
	}
	for _, pr := range svc.Ports {
		if pr.Low < 1 || pr.High > 65535 || pr.Low > pr.High {
			return apperrors.Validation("ports", fmt.Sprintf("invalid range [%d,%d]", pr.Low, pr.High))
		}
	}
	switch svc.Protocol {
	case svcdomain.ProtocolTCP, svcdomain.ProtocolUDP, svcdomain.ProtocolICMP,
		svcdomain.ProtocolHTTP, svcdomain.ProtocolHTTPS, svcdomain.ProtocolGRPC, svcdomain.ProtocolWebSocket:
	default:
		return apperrors.Validation("protocol", "unrecognized protocol")
	}
	switch svc.AuthMode {
	case svcdomain.AuthModeNone, svcdomain.AuthModeBearerJWT, svcdomain.AuthModeBearerOpaque:
	default:
		return apperrors.Validation("auth_mode", "unrecognized auth mode")
	}
	if svc.AuthMode != svcdomain.AuthModeNone {
		switch svc.Protocol {
		case svcdomain.ProtocolHTTP, svcdomain.ProtocolHTTPS, svcdomain.ProtocolGRPC, svcdomain.ProtocolWebSocket:
		default:
			return apperrors.Validation("auth_mode", fmt.Sprintf("protocol %s cannot require bearer auth", svc.Protocol))
		}
	}
	return nil
}
