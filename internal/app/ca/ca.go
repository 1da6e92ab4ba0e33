// Package ca implements the per-cluster certificate authority (spec.md
// §4.2): self-signed EC P-384 root generation, server/client leaf issuance,
// rotation with a retiring overlap window, revocation, and trust-anchor
// emission for discovery snapshots. There is no PKI library anywhere in the
// dependency corpus this module was grounded on, so the authority is built
// directly on crypto/x509 and crypto/ecdsa (documented stdlib exception,
// SPEC_FULL.md §B) with private-key material handed off to a secrets.Sink
// immediately after generation and never otherwise retained in memory.
package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cert"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/secrets"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

// Failures per spec.md §4.2.
var (
	ErrCAAbsent       = errors.New("ca: no active authority for cluster")
	ErrCAExpired      = errors.New("ca: authority has expired")
	ErrKeyStore       = errors.New("ca: key store failure")
	ErrValidityWindow = errors.New("ca: requested validity exceeds authority's remaining validity")
	ErrSubjectInvalid = errors.New("ca: subject and SAN set must be non-empty and well-formed")
)

// DefaultRootValidity is how long a freshly-generated root CA is valid for.
const DefaultRootValidity = 10 * 365 * 24 * time.Hour

// DefaultOverlapWindow is how long a retiring CA's cert stays trust-anchored
// after a rotation, per spec.md §4.2.
const DefaultOverlapWindow = 60 * 24 * time.Hour

const keyPurposeCA = "ca_private_key"
const keyPurposeLeaf = "leaf_private_key"

// Authority issues and rotates per-cluster certificate authorities. It is
// safe for concurrent use; all mutation is delegated to the store, which
// serializes conflicting writes via optimistic concurrency.
type Authority struct {
	store         storage.CAStore
	certs         storage.CertificateStore
	sink          secrets.Sink
	now           func() time.Time
	overlapWindow time.Duration
	rootValidity  time.Duration
}

// Option configures an Authority at construction time.
type Option func(*Authority)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithOverlapWindow overrides the default retiring-CA trust-anchor overlap.
func WithOverlapWindow(d time.Duration) Option {
	return func(a *Authority) { a.overlapWindow = d }
}

// WithRootValidity overrides the default root CA validity period.
func WithRootValidity(d time.Duration) Option {
	return func(a *Authority) { a.rootValidity = d }
}

// New builds an Authority backed by the given CA/certificate stores and
// secret sink.
func New(store storage.CAStore, certs storage.CertificateStore, sink secrets.Sink, opts ...Option) *Authority {
	a := &Authority{
		store:         store,
		certs:         certs,
		sink:          sink,
		now:           func() time.Time { return time.Now().UTC() },
		overlapWindow: DefaultOverlapWindow,
		rootValidity:  DefaultRootValidity,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EnsureCA returns the cluster's active CA, generating a fresh self-signed
// root the first time it is needed.
func (a *Authority) EnsureCA(ctx context.Context, clusterID string) (cert.CA, error) {
	active, err := a.store.GetActiveCA(ctx, clusterID)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return cert.CA{}, fmt.Errorf("ca: lookup active ca: %w", err)
	}
	return a.generateRoot(ctx, clusterID)
}

func (a *Authority) generateRoot(ctx context.Context, clusterID string) (cert.CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return cert.CA{}, fmt.Errorf("%w: generate root key: %v", ErrKeyStore, err)
	}

	now := a.now()
	notAfter := now.Add(a.rootValidity)
	serial := int64(1)

	template := &x509.Certificate{
		SerialNumber: serialBig(serial),
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("marchproxy control plane CA (%s)", clusterID),
			Organization: []string{"marchproxy"},
		},
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return cert.CA{}, fmt.Errorf("%w: self-sign root: %v", ErrKeyStore, err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return cert.CA{}, fmt.Errorf("%w: marshal root key: %v", ErrKeyStore, err)
	}
	handle, err := a.sink.Put(ctx, keyPurposeCA, pkcs8)
	if err != nil {
		return cert.CA{}, fmt.Errorf("%w: store root key: %v", ErrKeyStore, err)
	}

	root := cert.CA{
		ID:                uuid.NewString(),
		ClusterID:         clusterID,
		PublicCertPEM:     encodeCertPEM(derBytes),
		PrivateKeyHandle:  handle,
		Status:            cert.CAStatusActive,
		NotBefore:         now,
		NotAfter:          notAfter,
		SerialCounter:     serial,
	}
	created, err := a.store.CreateCA(ctx, root)
	if err != nil {
		return cert.CA{}, fmt.Errorf("ca: persist root: %w", err)
	}
	return created, nil
}

// IssueServer issues a server-usage leaf certificate from the cluster's
// active CA.
func (a *Authority) IssueServer(ctx context.Context, clusterID, subject string, sans []string, validity time.Duration) (cert.Certificate, []byte, error) {
	return a.issue(ctx, clusterID, cert.UsageServer, subject, sans, validity)
}

// IssueClient issues a client-usage leaf certificate (data-plane proxy
// identity). SANs are optional for client certs.
func (a *Authority) IssueClient(ctx context.Context, clusterID, subject string, validity time.Duration) (cert.Certificate, []byte, error) {
	return a.issue(ctx, clusterID, cert.UsageClient, subject, nil, validity)
}

// issue generates a leaf keypair, signs it under the cluster's active CA,
// and returns the certificate record alongside the PEM-encoded private key.
// The caller is responsible for delivering the key to its ultimate owner
// (e.g. over the proxy registration response) and must not persist it
// itself; the control plane only keeps the secret-sink handle.
func (a *Authority) issue(ctx context.Context, clusterID string, usage cert.Usage, subject string, sans []string, validity time.Duration) (cert.Certificate, []byte, error) {
	if subject == "" {
		return cert.Certificate{}, nil, ErrSubjectInvalid
	}
	if usage == cert.UsageServer && len(sans) == 0 {
		return cert.Certificate{}, nil, ErrSubjectInvalid
	}

	authority, err := a.store.GetActiveCA(ctx, clusterID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return cert.Certificate{}, nil, ErrCAAbsent
		}
		return cert.Certificate{}, nil, fmt.Errorf("ca: lookup active ca: %w", err)
	}

	now := a.now()
	if now.After(authority.NotAfter) {
		return cert.Certificate{}, nil, ErrCAExpired
	}
	notAfter := now.Add(validity)
	if notAfter.After(authority.NotAfter) {
		return cert.Certificate{}, nil, ErrValidityWindow
	}

	caKey, caCert, err := a.loadSigningKey(ctx, authority)
	if err != nil {
		return cert.Certificate{}, nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return cert.Certificate{}, nil, fmt.Errorf("%w: generate leaf key: %v", ErrKeyStore, err)
	}

	serial := authority.SerialCounter + 1
	template := &x509.Certificate{
		SerialNumber: serialBig(serial),
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    now,
		NotAfter:     notAfter,
	}
	if usage == cert.UsageServer {
		template.DNSNames = sans
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		template.KeyUsage = x509.KeyUsageDigitalSignature
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return cert.Certificate{}, nil, fmt.Errorf("%w: sign leaf: %v", ErrKeyStore, err)
	}
	leafPKCS8, err := x509.MarshalPKCS8PrivateKey(leafKey)
	if err != nil {
		return cert.Certificate{}, nil, fmt.Errorf("%w: marshal leaf key: %v", ErrKeyStore, err)
	}
	handle, err := a.sink.Put(ctx, keyPurposeLeaf, leafPKCS8)
	if err != nil {
		return cert.Certificate{}, nil, fmt.Errorf("%w: store leaf key: %v", ErrKeyStore, err)
	}

	updatedAuthority := authority
	updatedAuthority.SerialCounter = serial
	if _, err := a.store.UpdateCA(ctx, updatedAuthority, authority.Version); err != nil {
		return cert.Certificate{}, nil, fmt.Errorf("ca: advance serial counter: %w", err)
	}

	record := cert.Certificate{
		ID:               uuid.NewString(),
		CAID:             authority.ID,
		ClusterID:        clusterID,
		Subject:          subject,
		SANs:             sans,
		Usage:            usage,
		Serial:           serial,
		NotBefore:        now,
		NotAfter:         notAfter,
		Status:           cert.StatusIssued,
		PublicCertPEM:    encodeCertPEM(derBytes),
		PrivateKeyHandle: handle,
	}
	created, err := a.certs.CreateCertificate(ctx, record)
	if err != nil {
		return cert.Certificate{}, nil, fmt.Errorf("ca: persist certificate: %w", err)
	}
	return created, encodeKeyPEM(leafPKCS8), nil
}

// Rotate replaces the cluster's active CA with a freshly-generated root. The
// previous CA is marked retiring and both are returned by EmitTrustAnchors
// until the overlap window elapses.
func (a *Authority) Rotate(ctx context.Context, clusterID string) (cert.CA, error) {
	current, err := a.store.GetActiveCA(ctx, clusterID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return cert.CA{}, fmt.Errorf("ca: lookup active ca: %w", err)
	}
	if err == nil {
		retiringAt := a.now().Add(a.overlapWindow)
		current.Status = cert.CAStatusRetiring
		current.RetiringAt = &retiringAt
		if _, err := a.store.UpdateCA(ctx, current, current.Version); err != nil {
			return cert.CA{}, fmt.Errorf("ca: retire previous ca: %w", err)
		}
	}
	return a.generateRoot(ctx, clusterID)
}

// Revoke appends a CRL entry for the given certificate and marks it revoked.
// Callers are responsible for marking the owning cluster's snapshot dirty so
// any discovery resource referencing the certificate is re-emitted.
func (a *Authority) Revoke(ctx context.Context, c cert.Certificate, reason string) error {
	if _, err := a.certs.AppendCRLEntry(ctx, cert.CRLEntry{
		ID:            uuid.NewString(),
		CAID:          c.CAID,
		ClusterID:     c.ClusterID,
		RevokedSerial: c.Serial,
		Reason:        reason,
		RevokedAt:     a.now(),
	}); err != nil {
		return fmt.Errorf("ca: append crl entry: %w", err)
	}

	c.Status = cert.StatusRevoked
	if _, err := a.certs.UpdateCertificate(ctx, c, c.Version); err != nil {
		return fmt.Errorf("ca: mark certificate revoked: %w", err)
	}
	return nil
}

// TrustAnchor is one PEM-encoded CA certificate included in a discovery
// snapshot, alongside whether it is the currently active anchor.
type TrustAnchor struct {
	CAID          string
	PublicCertPEM string
	Active        bool
}

// EmitTrustAnchors returns {active CA cert} ∪ {retiring CA certs within the
// overlap window}, per spec.md §4.2.
func (a *Authority) EmitTrustAnchors(ctx context.Context, clusterID string) ([]TrustAnchor, error) {
	all, err := a.store.ListCAs(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("ca: list cas: %w", err)
	}
	now := a.now()
	var anchors []TrustAnchor
	for _, c := range all {
		switch c.Status {
		case cert.CAStatusActive:
			anchors = append(anchors, TrustAnchor{CAID: c.ID, PublicCertPEM: c.PublicCertPEM, Active: true})
		case cert.CAStatusRetiring:
			if c.RetiringAt == nil || now.Before(*c.RetiringAt) {
				anchors = append(anchors, TrustAnchor{CAID: c.ID, PublicCertPEM: c.PublicCertPEM, Active: false})
			}
		}
	}
	return anchors, nil
}

// loadSigningKey resolves the authority's private key via the secret sink
// and parses its public certificate, for use as a x509.CreateCertificate
// parent/signer pair.
func (a *Authority) loadSigningKey(ctx context.Context, authority cert.CA) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	raw, err := a.sink.Get(ctx, authority.PrivateKeyHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load root key: %v", ErrKeyStore, err)
	}
	key, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse root key: %v", ErrKeyStore, err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("%w: root key is not ECDSA", ErrKeyStore)
	}

	block, _ := pem.Decode([]byte(authority.PublicCertPEM))
	if block == nil {
		return nil, nil, fmt.Errorf("%w: decode root cert pem", ErrKeyStore)
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse root cert: %v", ErrKeyStore, err)
	}
	return ecKey, parsed, nil
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func encodeKeyPEM(pkcs8 []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
}

func serialBig(n int64) *big.Int {
	return big.NewInt(n)
}
