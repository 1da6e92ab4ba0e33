// Package snapshot implements the discovery-resource builder and its
// versioned cache (spec.md §4.7): canonicalizing a cluster's services and
// mappings into listeners/routes/clusters-of-endpoints/endpoints, hashing
// the canonical form into a stable version, and caching that bundle until
// a mutation invalidates it or no subscriber still references an older
// version. There is no directly analogous teacher file; built fresh in the
// teacher's general style (plain structs, apperrors.ServiceError, one
// Builder coordinating read-only store lookups) since the teacher has no
// discovery-resource concept of its own.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	certdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cert"
	domainmapping "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	domainsnapshot "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/snapshot"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

// defaultWeight is used for every endpoint until the domain model grows a
// concept of per-endpoint weighting beyond a service's single address.
const defaultWeight = 100

// Builder translates one cluster's persisted entities into a canonical,
// version-hashed Snapshot. It never mutates entities: certificate issuance
// happens exclusively through internal/app/ca, invoked from the entity
// service layer, never from here.
type Builder struct {
	services storage.ServiceStore
	mappings storage.MappingStore
	certs    storage.CertificateStore
	ca       *ca.Authority
}

// New builds a Builder. authority may be nil in tests that do not exercise
// trust-anchor propagation.
func New(services storage.ServiceStore, mappings storage.MappingStore, certs storage.CertificateStore, authority *ca.Authority) *Builder {
	return &Builder{services: services, mappings: mappings, certs: certs, ca: authority}
}

// Build constructs the current Snapshot for clusterID from persisted state.
func (b *Builder) Build(ctx context.Context, clusterID string) (domainsnapshot.Snapshot, error) {
	services, err := b.services.ListServices(ctx, clusterID)
	if err != nil {
		return domainsnapshot.Snapshot{}, apperrors.Unavailable("list services for snapshot", err)
	}
	mappings, err := b.mappings.ListMappings(ctx, clusterID)
	if err != nil {
		return domainsnapshot.Snapshot{}, apperrors.Unavailable("list mappings for snapshot", err)
	}
	certs, err := b.certs.ListCertificates(ctx, clusterID)
	if err != nil {
		return domainsnapshot.Snapshot{}, apperrors.Unavailable("list certificates for snapshot", err)
	}

	byID := make(map[string]svcdomain.Service, len(services))
	for _, s := range services {
		byID[s.ID] = s
	}

	destinations := destinationServices(mappings, byID)

	listeners := make([]domainsnapshot.Listener, 0, len(destinations))
	clustersOfEndpoints := make([]domainsnapshot.ClusterOfEndpoints, 0, len(destinations))
	endpointsByName := make(map[string][]domainsnapshot.Endpoint, len(destinations))
	var secrets []domainsnapshot.SecretRef

	for _, s := range destinations {
		name := clusterOfEndpointsName(s)
		eps := buildEndpoints(s)
		endpointsByName[name] = eps

		var tlsRef string
		if requiresServerCert(s.Protocol) {
			if c := latestServerCert(certs, s.Name); c != nil {
				tlsRef = c.ID
				secrets = append(secrets, domainsnapshot.SecretRef{Handle: c.ID, Purpose: "server_cert"})
			}
		}
		listeners = append(listeners, buildListener(s, name, tlsRef))
		clustersOfEndpoints = append(clustersOfEndpoints, buildClusterOfEndpoints(s, name, eps))
	}

	routes := make([]domainsnapshot.RouteMatch, 0, len(mappings))
	for _, m := range mappings {
		routes = append(routes, buildRoutes(m, byID)...)
	}

	if b.ca != nil {
		anchors, err := b.ca.EmitTrustAnchors(ctx, clusterID)
		if err != nil {
			return domainsnapshot.Snapshot{}, apperrors.Unavailable("emit trust anchors for snapshot", err)
		}
		for _, a := range anchors {
			secrets = append(secrets, domainsnapshot.SecretRef{Handle: a.CAID, Purpose: "trust_anchor"})
		}
	}

	sortResources(listeners, routes, clustersOfEndpoints, secrets)

	version, err := canonicalVersion(listeners, routes, clustersOfEndpoints, endpointsByName, secrets)
	if err != nil {
		return domainsnapshot.Snapshot{}, apperrors.Internal("hash canonical snapshot", err)
	}

	return domainsnapshot.Snapshot{
		ClusterID:           clusterID,
		Version:             version,
		Listeners:           listeners,
		Routes:              routes,
		ClustersOfEndpoints: clustersOfEndpoints,
		Endpoints:           endpointsByName,
		Secrets:             secrets,
	}, nil
}

// destinationServices returns, in a stable order, every service that is the
// destination of at least one mapping: the set of backends the L7 proxy
// must front with a listener.
func destinationServices(mappings []domainmapping.Mapping, byID map[string]svcdomain.Service) []svcdomain.Service {
	seen := make(map[string]bool)
	var out []svcdomain.Service
	for _, m := range mappings {
		for _, id := range m.DestServiceIDs {
			if seen[id] {
				continue
			}
			s, ok := byID[id]
			if !ok {
				continue // dangling reference; the mapping service layer prevents this at write time
			}
			seen[id] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clusterOfEndpointsName(s svcdomain.Service) string {
	return fmt.Sprintf("%s.%s", s.ClusterID, s.Name)
}

func buildListener(s svcdomain.Service, name, tlsSecretRef string) domainsnapshot.Listener {
	l := domainsnapshot.Listener{
		Name:         name,
		Protocol:     string(s.Protocol),
		BindAddress:  "0.0.0.0",
		TLSSecretRef: tlsSecretRef,
	}
	if len(s.Ports) > 0 {
		l.BindPort = s.Ports[0].Low
	}
	return l
}

func buildClusterOfEndpoints(s svcdomain.Service, name string, endpoints []domainsnapshot.Endpoint) domainsnapshot.ClusterOfEndpoints {
	coe := domainsnapshot.ClusterOfEndpoints{
		Name:      name,
		ServiceID: s.ID,
		Endpoints: endpoints,
	}
	if s.LoadBalancing != nil {
		coe.LoadBalancing = s.LoadBalancing.Algorithm
	} else {
		coe.LoadBalancing = "round_robin"
	}
	if s.RateLimit != nil {
		coe.RateLimit = &domainsnapshot.RateLimit{
			RequestsPerSecond: s.RateLimit.RequestsPerSecond,
			Burst:             s.RateLimit.Burst,
		}
	}
	return coe
}

func requiresServerCert(p svcdomain.Protocol) bool {
	switch p {
	case svcdomain.ProtocolHTTPS, svcdomain.ProtocolGRPC:
		return true
	default:
		return false
	}
}

// latestServerCert returns the most recently issued, still-valid server
// certificate for subject, or nil if none has been issued yet. The snapshot
// references it by row id; proxies already hold the matching private key
// material from their own registration flow and use this only to confirm
// which certificate generation a listener expects.
func latestServerCert(certs []certdomain.Certificate, subject string) *certdomain.Certificate {
	var best *certdomain.Certificate
	for i := range certs {
		c := &certs[i]
		if c.Subject != subject || c.Usage != certdomain.UsageServer || c.Status != certdomain.StatusIssued {
			continue
		}
		if best == nil || c.NotBefore.After(best.NotBefore) {
			best = c
		}
	}
	return best
}

func buildEndpoints(s svcdomain.Service) []domainsnapshot.Endpoint {
	if len(s.Ports) == 0 {
		return nil
	}
	return []domainsnapshot.Endpoint{{Address: s.Address, Port: s.Ports[0].Low, Weight: defaultWeight}}
}

func buildRoutes(m domainmapping.Mapping, byID map[string]svcdomain.Service) []domainsnapshot.RouteMatch {
	routes := make([]domainsnapshot.RouteMatch, 0, len(m.DestServiceIDs))
	for _, destID := range m.DestServiceIDs {
		dest, ok := byID[destID]
		if !ok {
			continue
		}
		name := clusterOfEndpointsName(dest)
		routes = append(routes, domainsnapshot.RouteMatch{
			Name:             fmt.Sprintf("%s->%s", m.ID, destID),
			ListenerName:     name,
			AllowedProtocols: m.AllowedProtocols,
			Ports:            m.Ports,
			AuthRequired:     m.AuthRequired,
			ClusterOfName:    name,
		})
	}
	return routes
}

func sortResources(listeners []domainsnapshot.Listener, routes []domainsnapshot.RouteMatch, coe []domainsnapshot.ClusterOfEndpoints, secrets []domainsnapshot.SecretRef) {
	sort.Slice(listeners, func(i, j int) bool { return listeners[i].Name < listeners[j].Name })
	sort.Slice(routes, func(i, j int) bool { return routes[i].Name < routes[j].Name })
	sort.Slice(coe, func(i, j int) bool { return coe[i].Name < coe[j].Name })
	sort.Slice(secrets, func(i, j int) bool {
		if secrets[i].Purpose != secrets[j].Purpose {
			return secrets[i].Purpose < secrets[j].Purpose
		}
		return secrets[i].Handle < secrets[j].Handle
	})
}

// canonicalForm is the hashed subset of a Snapshot: stable across
// irrelevant reorderings (inputs are pre-sorted) and excludes BuiltAt so the
// same entity state always yields the same version.
type canonicalForm struct {
	Listeners           []domainsnapshot.Listener
	Routes              []domainsnapshot.RouteMatch
	ClustersOfEndpoints []domainsnapshot.ClusterOfEndpoints
	Endpoints           map[string][]domainsnapshot.Endpoint
	Secrets             []domainsnapshot.SecretRef
}

func canonicalVersion(listeners []domainsnapshot.Listener, routes []domainsnapshot.RouteMatch, coe []domainsnapshot.ClusterOfEndpoints, endpoints map[string][]domainsnapshot.Endpoint, secrets []domainsnapshot.SecretRef) (string, error) {
	form := canonicalForm{Listeners: listeners, Routes: routes, ClustersOfEndpoints: coe, Endpoints: endpoints, Secrets: secrets}
	encoded, err := json.Marshal(form)
	if err != nil {
		return "", fmt.Errorf("marshal canonical form: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
