// Package cert defines the CA/certificate/CRL cryptographic aggregates.
package cert

import "time"

// CAStatus enumerates the lifecycle state of a cluster's CA.
type CAStatus string

const (
	CAStatusActive   CAStatus = "active"
	CAStatusRetiring CAStatus = "retiring"
	CAStatusExpired  CAStatus = "expired"
)

// CA is a per-cluster certificate authority. The private key never leaves
// the CA component except through the secret-sink interface; only a handle
// is persisted here.
type CA struct {
	ID             string
	ClusterID      string
	PublicCertPEM  string
	PrivateKeyHandle string
	Status         CAStatus
	NotBefore      time.Time
	NotAfter       time.Time
	SerialCounter  int64
	RetiringAt     *time.Time
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Usage enumerates what a certificate is for.
type Usage string

const (
	UsageServer Usage = "server"
	UsageClient Usage = "client"
)

// Status enumerates a certificate's lifecycle state.
type Status string

const (
	StatusIssued  Status = "issued"
	StatusRotated Status = "rotated"
	StatusRevoked Status = "revoked"
)

// Certificate is one issued leaf certificate. PrivateKeyHandle is an opaque
// reference into the secret sink (the control plane generates the leaf
// keypair so the caller never has to submit a CSR); the raw key itself
// never leaves the component except through the secret sink's own Get.
type Certificate struct {
	ID               string
	CAID             string
	ClusterID        string
	Subject          string
	SANs             []string
	Usage            Usage
	Serial           int64
	NotBefore        time.Time
	NotAfter         time.Time
	Status           Status
	PublicCertPEM    string
	PrivateKeyHandle string
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CRLEntry is a single revocation record.
type CRLEntry struct {
	ID            string
	CAID          string
	ClusterID     string
	RevokedSerial int64
	Reason        string
	RevokedAt     time.Time
}
