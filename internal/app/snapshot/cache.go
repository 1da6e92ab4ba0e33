package snapshot

import (
	"context"
	"sync"

	domainsnapshot "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/snapshot"
)

// clusterEntry holds the cached version chain for one cluster: the current
// snapshot plus any older version still pinned by a live subscriber.
type clusterEntry struct {
	mu       sync.RWMutex
	current  *domainsnapshot.Snapshot
	dirty    bool
	versions map[string]domainsnapshot.Snapshot
	refs     map[string]int
}

// Cache is the in-memory versioned snapshot cache described in spec.md §4.7:
// one entry per cluster, rebuilt lazily from Builder on the first Get after
// a MarkDirty, retaining the current version plus any version a discovery
// stream still references and garbage-collecting the rest.
type Cache struct {
	builder *Builder

	mu      sync.RWMutex
	entries map[string]*clusterEntry
}

// NewCache builds a Cache backed by builder.
func NewCache(builder *Builder) *Cache {
	return &Cache{builder: builder, entries: make(map[string]*clusterEntry)}
}

func (c *Cache) entry(clusterID string) *clusterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[clusterID]
	if !ok {
		e = &clusterEntry{dirty: true, versions: make(map[string]domainsnapshot.Snapshot), refs: make(map[string]int)}
		c.entries[clusterID] = e
	}
	return e
}

// MarkDirty implements dirty.Marker: it invalidates the cached current
// snapshot for clusterID so the next Get rebuilds it. It never blocks on a
// rebuild itself — rebuilding happens lazily on read, off the mutating
// request's critical path.
func (c *Cache) MarkDirty(clusterID string) {
	e := c.entry(clusterID)
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// Get returns the current snapshot for clusterID, rebuilding it first if the
// cluster has been marked dirty since the last build.
func (c *Cache) Get(ctx context.Context, clusterID string) (domainsnapshot.Snapshot, error) {
	e := c.entry(clusterID)

	e.mu.RLock()
	if !e.dirty && e.current != nil {
		snap := *e.current
		e.mu.RUnlock()
		return snap, nil
	}
	e.mu.RUnlock()

	built, err := c.builder.Build(ctx, clusterID)
	if err != nil {
		return domainsnapshot.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = &built
	e.dirty = false
	e.versions[built.Version] = built
	c.gcLocked(e)
	return built, nil
}

// Pin marks version as referenced by a live subscriber so it survives GC
// even after a newer version becomes current. Discovery streams call this
// once they have delivered a version and are waiting on an ack.
func (c *Cache) Pin(clusterID, version string) {
	e := c.entry(clusterID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs[version]++
}

// Unpin releases a reference taken by Pin. Call once per Pin, typically on
// ack or on stream close.
func (c *Cache) Unpin(clusterID, version string) {
	e := c.entry(clusterID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs[version] <= 1 {
		delete(e.refs, version)
	} else {
		e.refs[version]--
	}
	c.gcLocked(e)
}

// Version returns the cached snapshot for a specific, possibly superseded,
// version. ok is false if the version has been garbage-collected.
func (c *Cache) Version(clusterID, version string) (domainsnapshot.Snapshot, bool) {
	e := c.entry(clusterID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap, ok := e.versions[version]
	return snap, ok
}

// gcLocked drops every cached version except the current one and any
// version with a live pin. Callers must hold e.mu.
func (c *Cache) gcLocked(e *clusterEntry) {
	var currentVersion string
	if e.current != nil {
		currentVersion = e.current.Version
	}
	for v := range e.versions {
		if v == currentVersion {
			continue
		}
		if e.refs[v] > 0 {
			continue
		}
		delete(e.versions, v)
	}
}
