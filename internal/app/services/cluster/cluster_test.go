package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/audit"
	domaincluster "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, nil, audit.New(store), nil, nil), store
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, "admin", "acme", domaincluster.TierCommunity)
	require.NoError(t, err)

	_, _, err = svc.Create(ctx, "admin", "acme", domaincluster.TierCommunity)
	require.Error(t, err)
	se := apperrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, apperrors.KindConflict, se.Kind)
}

func TestCreateRejectsEmptyName(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.Create(context.Background(), "admin", "  ", domaincluster.TierCommunity)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.GetKind(err))
}

func TestRotateAPIKeyRetiresPreviousKeyIntoOverlapWindow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	created, firstKey, err := svc.Create(ctx, "admin", "acme", domaincluster.TierCommunity)
	require.NoError(t, err)

	secondKey, err := svc.RotateAPIKey(ctx, "admin", created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, firstKey, secondKey)

	byOld, err := store.GetClusterByAPIKeyHash(ctx, hashAPIKey(firstKey))
	require.NoError(t, err, "the retired key should still resolve during the overlap window")
	assert.Equal(t, created.ID, byOld.ID)

	byNew, err := store.GetClusterByAPIKeyHash(ctx, hashAPIKey(secondKey))
	require.NoError(t, err)
	assert.Equal(t, created.ID, byNew.ID)
}

func TestRotateAPIKeyUnknownClusterNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RotateAPIKey(context.Background(), "admin", "missing")
	assert.Equal(t, apperrors.KindNotFound, apperrors.GetKind(err))
}

func TestDeleteMarksSnapshotDirty(t *testing.T) {
	store := memory.New()
	marker := &fakeMarker{}
	svc := New(store, nil, audit.New(store), marker, nil)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, "admin", "acme", domaincluster.TierCommunity)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "admin", created.ID))
	assert.Contains(t, marker.dirtied, created.ID)
}

type fakeMarker struct {
	dirtied []string
}

func (f *fakeMarker) MarkDirty(clusterID string) { f.dirtied = append(f.dirtied, clusterID) }
