// Package service defines the backend-service aggregate (a cluster's
// routable destination). Named "service" per the domain vocabulary; import
// callers typically alias it (e.g. svcdomain) to avoid confusion with the
// unrelated internal/app/core/service package.
package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Protocol enumerates the transport/application protocols a service may speak.
type Protocol string

const (
	ProtocolTCP       Protocol = "tcp"
	ProtocolUDP       Protocol = "udp"
	ProtocolICMP      Protocol = "icmp"
	ProtocolHTTP      Protocol = "http"
	ProtocolHTTPS     Protocol = "https"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolWebSocket Protocol = "websocket"
)

// AuthMode enumerates the authentication modes a service may require.
type AuthMode string

const (
	AuthModeNone         AuthMode = "none"
	AuthModeBearerJWT    AuthMode = "bearer_jwt"
	AuthModeBearerOpaque AuthMode = "bearer_opaque"
)

// PortRange is an inclusive [Low, High] port range; Low == High for a single port.
type PortRange struct {
	Low  int
	High int
}

// Ports is a service's port set. It marshals as a JSON array of
// {"Low":...,"High":...} objects but also unmarshals from the comma/dash
// string syntax ("80", "80-90", "80,443", "80,8000-8010"), so API clients
// may submit either representation.
type Ports []PortRange

// UnmarshalJSON accepts either a JSON array of PortRange objects or a single
// JSON string in the spec's port-range syntax.
func (p *Ports) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var spec string
		if err := json.Unmarshal(trimmed, &spec); err != nil {
			return err
		}
		parsed, err := ParsePortSpec(spec)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var raw []PortRange
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = raw
	return nil
}

// MarshalJSON always renders Ports as an array of {"Low","High"} objects,
// regardless of which form it was unmarshaled from.
func (p Ports) MarshalJSON() ([]byte, error) {
	return json.Marshal([]PortRange(p))
}

// ParsePortSpec parses the comma-separated port/range syntax ("80",
// "80-90", "80,443", "80,8000-8010") into an explicit PortRange set.
// It rejects malformed or out-of-bounds segments ("", "80-", "-80",
// "90-80", "0", "65536").
func ParsePortSpec(spec string) ([]PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("port spec must not be empty")
	}
	segments := strings.Split(spec, ",")
	ranges := make([]PortRange, 0, len(segments))
	for _, seg := range segments {
		low, high, err := parsePortSegment(strings.TrimSpace(seg))
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, PortRange{Low: low, High: high})
	}
	return ranges, nil
}

func parsePortSegment(seg string) (int, int, error) {
	if seg == "" {
		return 0, 0, fmt.Errorf("port segment must not be empty")
	}
	parts := strings.SplitN(seg, "-", 2)
	if len(parts) == 1 {
		port, err := parsePort(parts[0])
		if err != nil {
			return 0, 0, err
		}
		return port, port, nil
	}
	if parts[0] == "" || parts[1] == "" {
		return 0, 0, fmt.Errorf("invalid port range %q", seg)
	}
	low, err := parsePort(parts[0])
	if err != nil {
		return 0, 0, err
	}
	high, err := parsePort(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if low > high {
		return 0, 0, fmt.Errorf("invalid port range %q: low exceeds high", seg)
	}
	return low, high, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

// LoadBalancingPolicy describes how endpoints within a service are weighted.
type LoadBalancingPolicy struct {
	Algorithm string // e.g. "round_robin", "least_conn", "random"
}

// RateLimitPolicy is the declarative policy attached to a service; the
// control plane only stores and emits it, it never enforces it.
type RateLimitPolicy struct {
	RequestsPerSecond float64
	Burst             int
}

// Service is a backend destination description owned by exactly one cluster.
type Service struct {
	ID              string
	ClusterID       string
	Name            string
	Address         string
	Ports           Ports
	Protocol        Protocol
	AuthMode        AuthMode
	LoadBalancing   *LoadBalancingPolicy
	RateLimit       *RateLimitPolicy
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
