package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainmapping "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func seedClusterWithMapping(t *testing.T, store *memory.Store, clusterID string) (svcdomain.Service, svcdomain.Service) {
	t.Helper()
	ctx := context.Background()

	src, err := store.CreateService(ctx, svcdomain.Service{
		ClusterID: clusterID,
		Name:      "frontend",
		Address:   "10.0.0.1",
		Ports:     []svcdomain.PortRange{{Low: 8080, High: 8080}},
		Protocol:  svcdomain.ProtocolHTTPS,
		AuthMode:  svcdomain.AuthModeNone,
	})
	require.NoError(t, err)

	dst, err := store.CreateService(ctx, svcdomain.Service{
		ClusterID: clusterID,
		Name:      "backend",
		Address:   "10.0.0.2",
		Ports:     []svcdomain.PortRange{{Low: 9090, High: 9090}},
		Protocol:  svcdomain.ProtocolHTTPS,
		AuthMode:  svcdomain.AuthModeBearerJWT,
	})
	require.NoError(t, err)

	_, err = store.CreateMapping(ctx, domainmapping.Mapping{
		ClusterID:        clusterID,
		SourceServiceIDs: []string{src.ID},
		DestServiceIDs:   []string{dst.ID},
		AllowedProtocols: []string{"https"},
		Ports:            []int{9090},
		AuthRequired:     true,
	})
	require.NoError(t, err)

	return src, dst
}

func TestBuildProducesOneListenerPerDestinationService(t *testing.T) {
	store := memory.New()
	_, dst := seedClusterWithMapping(t, store, "cluster-1")

	b := New(store, store, store, nil)
	snap, err := b.Build(context.Background(), "cluster-1")
	require.NoError(t, err)

	require.Len(t, snap.Listeners, 1)
	assert.Equal(t, "cluster-1."+dst.Name, snap.Listeners[0].Name)
	assert.Equal(t, 9090, snap.Listeners[0].BindPort)
	require.Len(t, snap.Routes, 1)
	assert.True(t, snap.Routes[0].AuthRequired)
	require.Contains(t, snap.Endpoints, "cluster-1."+dst.Name)
	assert.Equal(t, "10.0.0.2", snap.Endpoints["cluster-1."+dst.Name][0].Address)
}

func TestBuildVersionStableUnderReorder(t *testing.T) {
	storeA := memory.New()
	seedClusterWithMapping(t, storeA, "cluster-1")
	bA := New(storeA, storeA, storeA, nil)
	snapA, err := bA.Build(context.Background(), "cluster-1")
	require.NoError(t, err)

	// storeB holds the same services and mappings, ids included, inserted
	// in the reverse order.
	storeB := memory.New()
	ctx := context.Background()
	services, err := storeA.ListServices(ctx, "cluster-1")
	require.NoError(t, err)
	for i := len(services) - 1; i >= 0; i-- {
		_, err = storeB.CreateService(ctx, services[i])
		require.NoError(t, err)
	}
	mappings, err := storeA.ListMappings(ctx, "cluster-1")
	require.NoError(t, err)
	for i := len(mappings) - 1; i >= 0; i-- {
		_, err = storeB.CreateMapping(ctx, mappings[i])
		require.NoError(t, err)
	}
	bB := New(storeB, storeB, storeB, nil)
	snapB, err := bB.Build(context.Background(), "cluster-1")
	require.NoError(t, err)

	assert.Equal(t, snapA.Version, snapB.Version)
}

func TestBuildVersionChangesWhenServiceAddressChanges(t *testing.T) {
	store := memory.New()
	_, dst := seedClusterWithMapping(t, store, "cluster-1")
	b := New(store, store, store, nil)

	before, err := b.Build(context.Background(), "cluster-1")
	require.NoError(t, err)

	dst.Address = "10.0.0.99"
	_, err = store.UpdateService(context.Background(), dst, dst.Version)
	require.NoError(t, err)

	after, err := b.Build(context.Background(), "cluster-1")
	require.NoError(t, err)

	assert.NotEqual(t, before.Version, after.Version)
}

func TestBuildSkipsDanglingServiceReference(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	_, err := store.CreateMapping(ctx, domainmapping.Mapping{
		ClusterID:        "cluster-1",
		SourceServiceIDs: []string{"ghost-src"},
		DestServiceIDs:   []string{"ghost-dst"},
		AllowedProtocols: []string{"https"},
		Ports:            []int{443},
	})
	require.NoError(t, err)

	b := New(store, store, store, nil)
	snap, err := b.Build(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Empty(t, snap.Listeners)
	assert.Empty(t, snap.Routes)
}
