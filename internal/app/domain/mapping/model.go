// Package mapping defines the traffic-rule aggregate linking services.
package mapping

import "time"

// Mapping is a declarative routing rule: a set of source services may reach
// a set of destination services over the allowed protocols/ports.
type Mapping struct {
	ID                string
	ClusterID         string
	SourceServiceIDs  []string
	DestServiceIDs    []string
	AllowedProtocols  []string
	Ports             []int
	AuthRequired      bool
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
