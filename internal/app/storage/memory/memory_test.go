package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

func mappingFor(clusterID string, source, dest string) mapping.Mapping {
	return mapping.Mapping{
		ClusterID:        clusterID,
		SourceServiceIDs: []string{source},
		DestServiceIDs:   []string{dest},
		AllowedProtocols: []string{"tcp"},
		Ports:            []int{443},
	}
}

func TestCreateClusterAssignsIDAndVersion(t *testing.T) {
	s := New()
	c, err := s.CreateCluster(context.Background(), cluster.Cluster{Name: "acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, c.Version)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestCreateClusterDuplicateNameConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateCluster(ctx, cluster.Cluster{Name: "acme"})
	require.NoError(t, err)
	_, err = s.CreateCluster(ctx, cluster.Cluster{Name: "acme"})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestUpdateClusterStaleVersionRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	c, err := s.CreateCluster(ctx, cluster.Cluster{Name: "acme"})
	require.NoError(t, err)

	c.Tier = cluster.TierEnterprise
	updated, err := s.UpdateCluster(ctx, c, c.Version)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	_, err = s.UpdateCluster(ctx, c, c.Version)
	assert.ErrorIs(t, err, storage.ErrStaleWrite)
}

func TestGetClusterNotFound(t *testing.T) {
	s := New()
	_, err := s.GetCluster(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteClusterRemovesIt(t *testing.T) {
	s := New()
	ctx := context.Background()
	c, err := s.CreateCluster(ctx, cluster.Cluster{Name: "acme"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteCluster(ctx, c.ID))
	_, err = s.GetCluster(ctx, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuditSequenceStrictlyIncreasing(t *testing.T) {
	s := New()
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		seq, err := s.NextSequence(ctx)
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestListMappingsReferencingService(t *testing.T) {
	s := New()
	ctx := context.Background()
	m, err := s.CreateMapping(ctx, mappingFor("cluster-1", "svc-a", "svc-b"))
	require.NoError(t, err)

	refs, err := s.ListMappingsReferencingService(ctx, "cluster-1", "svc-a")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, m.ID, refs[0].ID)

	refs, err = s.ListMappingsReferencingService(ctx, "cluster-1", "svc-z")
	require.NoError(t, err)
	assert.Empty(t, refs)
}
