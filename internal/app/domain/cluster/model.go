// Package cluster defines the tenant-boundary aggregate.
package cluster

import "time"

// Tier is the licensing tier of a cluster.
type Tier string

const (
	TierCommunity   Tier = "community"
	TierEnterprise  Tier = "enterprise"
)

// LoggingProfile controls how verbosely a cluster's traffic is logged.
type LoggingProfile string

const (
	LoggingProfileStandard LoggingProfile = "standard"
	LoggingProfileVerbose  LoggingProfile = "verbose"
	LoggingProfileMinimal  LoggingProfile = "minimal"
)

// Cluster is the top-level tenant boundary: it exclusively owns its
// services, mappings, proxy registrations, CA, certificates, CRL, and
// snapshots.
//
// PreviousAPIKeyHash/PreviousAPIKeyExpiresAt implement the rotation overlap
// window from spec.md §4.4: RotateAPIKey retires the current key into
// these fields rather than discarding it, so proxies holding the old key can
// still authenticate (and re-register under the new one) until the window
// elapses.
type Cluster struct {
	ID                     string
	Name                   string
	Tier                   Tier
	APIKeyHash             string
	PreviousAPIKeyHash     string
	PreviousAPIKeyExpiresAt *time.Time
	LoggingProfile         LoggingProfile
	Version                int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
