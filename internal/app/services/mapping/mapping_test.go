package mapping

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

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, store, audit.New(store), nil, nil), store
}

func createTestService(t *testing.T, store *memory.Store, clusterID, name string, auth svcdomain.AuthMode) svcdomain.Service {
	t.Helper()
	created, err := store.CreateService(context.Background(), svcdomain.Service{
		ClusterID: clusterID,
		Name:      name,
		Address:   "10.0.1.1",
		Ports:     []svcdomain.PortRange{{Low: 8080, High: 8090}},
		Protocol:  svcdomain.ProtocolHTTPS,
		AuthMode:  auth,
	})
	require.NoError(t, err)
	return created
}

func TestCreateRejectsUnknownReferencedService(t *testing.T) {
	svc, _ := newTestService(t)
	m := domainmapping.Mapping{
		ClusterID:        "cluster-1",
		SourceServiceIDs: []string{"ghost"},
		DestServiceIDs:   []string{"ghost"},
		AllowedProtocols: []string{"https"},
		Ports:            []int{8080},
	}
	_, err := svc.Create(context.Background(), "admin", m)
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestCreateRejectsPortOutsideDestinationRange(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	src := createTestService(t, store, "cluster-1", "frontend", svcdomain.AuthModeNone)
	dst := createTestService(t, store, "cluster-1", "backend", svcdomain.AuthModeNone)

	m := domainmapping.Mapping{
		ClusterID:        "cluster-1",
		SourceServiceIDs: []string{src.ID},
		DestServiceIDs:   []string{dst.ID},
		AllowedProtocols: []string{"https"},
		Ports:            []int{9999},
	}
	_, err := svc.Create(ctx, "admin", m)
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestCreateRejectsAuthRequiredAgainstUnauthenticatedDestination(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	src := createTestService(t, store, "cluster-1", "frontend", svcdomain.AuthModeNone)
	dst := createTestService(t, store, "cluster-1", "backend", svcdomain.AuthModeNone)

	m := domainmapping.Mapping{
		ClusterID:        "cluster-1",
		SourceServiceIDs: []string{src.ID},
		DestServiceIDs:   []string{dst.ID},
		AllowedProtocols: []string{"https"},
		Ports:            []int{8080},
		AuthRequired:     true,
	}
	_, err := svc.Create(ctx, "admin", m)
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestCreateSucceedsWithValidReferences(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	src := createTestService(t, store, "cluster-1", "frontend", svcdomain.AuthModeNone)
	dst := createTestService(t, store, "cluster-1", "backend", svcdomain.AuthModeBearerJWT)

	m := domainmapping.Mapping{
		ClusterID:        "cluster-1",
		SourceServiceIDs: []string{src.ID},
		DestServiceIDs:   []string{dst.ID},
		AllowedProtocols: []string{"https"},
		Ports:            []int{8080},
		AuthRequired:     true,
	}
	created, err := svc.Create(ctx, "admin", m)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}
