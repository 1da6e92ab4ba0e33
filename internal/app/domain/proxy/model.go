// Package proxy defines the data-plane proxy registration aggregate.
package proxy

import "time"

// Type enumerates the declared proxy types. Only l7 and l3l4 are accepted;
// the legacy egress/ingress taxonomy is a deployment-layer translation
// concern, out of scope here (see SPEC_FULL.md, Open Question 1).
type Type string

const (
	TypeL7   Type = "l7"
	TypeL3L4 Type = "l3l4"
)

// Status enumerates the proxy registration lifecycle.
type Status string

const (
	StatusRegistering Status = "registering"
	StatusActive      Status = "active"
	StatusStale       Status = "stale"
	StatusRevoked     Status = "revoked"
)

// Registration is the control-plane record for one data-plane instance.
type Registration struct {
	ID               string
	ClusterID        string
	DeclaredType     Type
	Capabilities     []string
	SoftwareVersion  string
	LastSeen         time.Time
	Status           Status
	ClientCertHandle string
	TokenHash        string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
