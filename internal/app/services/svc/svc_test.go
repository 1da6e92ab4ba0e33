package svc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	domainmapping "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func mappingReferencing(clusterID, serviceID string) domainmapping.Mapping {
	return domainmapping.Mapping{
		ClusterID:        clusterID,
		SourceServiceIDs: []string{serviceID},
		DestServiceIDs:   []string{serviceID},
		AllowedProtocols: []string{"https"},
		Ports:            []int{443},
	}
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, audit.New(store), nil, nil), store
}

func baseService(clusterID string) svcdomain.Service {
	return svcdomain.Service{
		ClusterID: clusterID,
		Name:      "web",
		Address:   "10.0.1.5",
		Ports:     []svcdomain.PortRange{{Low: 443, High: 443}},
		Protocol:  svcdomain.ProtocolHTTPS,
		AuthMode:  svcdomain.AuthModeNone,
	}
}

func TestCreateRejectsInvalidPortRange(t *testing.T) {
	svc, _ := newTestService(t)
	s := baseService("cluster-1")
	s.Ports = []svcdomain.PortRange{{Low: 100, High: 50}}
	_, err := svc.Create(context.Background(), "admin", s)
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestCreateRejectsBearerAuthOnRawTCP(t *testing.T) {
	svc, _ := newTestService(t)
	s := baseService("cluster-1")
	s.Protocol = svcdomain.ProtocolTCP
	s.AuthMode = svcdomain.AuthModeBearerJWT
	_, err := svc.Create(context.Background(), "admin", s)
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestCreateRejectsDuplicateNameWithinCluster(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Create(ctx, "admin", baseService("cluster-1"))
	require.NoError(t, err)

	_, err = svc.Create(ctx, "admin", baseService("cluster-1"))
	assert.Equal(t, apperrors.KindConflict, apperrors.GetKind(err))
}

func TestUpdateDetectsStaleWrite(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, "admin", baseService("cluster-1"))
	require.NoError(t, err)

	_, err = svc.Update(ctx, "admin", created, created.Version+5)
	assert.Equal(t, apperrors.KindConflict, apperrors.GetKind(err))
}

func TestDeleteFailsWhenMappingReferencesExistWithoutCascade(t *testing.T) {
	store := memory.New()
	svc := New(store, audit.New(store), nil, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "admin", baseService("cluster-1"))
	require.NoError(t, err)

	_, err = store.CreateMapping(ctx, mappingReferencing(created.ClusterID, created.ID))
	require.NoError(t, err)

	err = svc.Delete(ctx, "admin", created.ClusterID, created.ID, false, store)
	assert.Equal(t, apperrors.KindConflict, apperrors.GetKind(err))

	err = svc.Delete(ctx, "admin", created.ClusterID, created.ID, true, store)
	assert.NoError(t, err)
}
