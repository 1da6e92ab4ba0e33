package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cert"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/secrets"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func newTestAuthority(t *testing.T) (*Authority, *memory.Store) {
	t.Helper()
	store := memory.New()
	sink, err := secrets.NewFileSink(t.TempDir(), testMasterKey())
	require.NoError(t, err)
	return New(store, store, sink), store
}

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEnsureCAGeneratesRootOnFirstUse(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	created, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, cert.CAStatusActive, created.Status)
	assert.Equal(t, int64(1), created.SerialCounter)
	assert.NotEmpty(t, created.PrivateKeyHandle)

	block, _ := pem.Decode([]byte(created.PublicCertPEM))
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, parsed.IsCA)
}

func TestEnsureCAReusesExistingActiveCA(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	first, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)
	second, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestIssueServerRequiresSANs(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()
	_, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)

	_, _, err = authority.IssueServer(ctx, "cluster-1", "gateway.internal", nil, 24*time.Hour)
	assert.ErrorIs(t, err, ErrSubjectInvalid)
}

func TestIssueServerReturnsSignedCertAndKey(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()
	root, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)

	issued, keyPEM, err := authority.IssueServer(ctx, "cluster-1", "gateway.internal", []string{"gateway.internal"}, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), issued.Serial)
	assert.NotEmpty(t, keyPEM)

	rootBlock, _ := pem.Decode([]byte(root.PublicCertPEM))
	rootCert, err := x509.ParseCertificate(rootBlock.Bytes)
	require.NoError(t, err)

	leafBlock, _ := pem.Decode([]byte(issued.PublicCertPEM))
	leafCert, err := x509.ParseCertificate(leafBlock.Bytes)
	require.NoError(t, err)

	assert.NoError(t, leafCert.CheckSignatureFrom(rootCert))
}

func TestIssueRejectsValidityBeyondCARemaining(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()
	_, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)

	_, _, err = authority.IssueClient(ctx, "cluster-1", "proxy-1", DefaultRootValidity+24*time.Hour)
	assert.ErrorIs(t, err, ErrValidityWindow)
}

func TestIssueWithoutCAReturnsErrCAAbsent(t *testing.T) {
	authority, _ := newTestAuthority(t)
	_, _, err := authority.IssueClient(context.Background(), "cluster-missing", "proxy-1", time.Hour)
	assert.ErrorIs(t, err, ErrCAAbsent)
}

func TestSerialsAreMonotonePerCA(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()
	_, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)

	first, _, err := authority.IssueClient(ctx, "cluster-1", "proxy-1", time.Hour)
	require.NoError(t, err)
	second, _, err := authority.IssueClient(ctx, "cluster-1", "proxy-2", time.Hour)
	require.NoError(t, err)

	assert.Less(t, first.Serial, second.Serial)
}

func TestRotateRetiresPreviousCAWithinOverlap(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()
	original, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)

	rotated, err := authority.Rotate(ctx, "cluster-1")
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, rotated.ID)

	all, err := store.ListCAs(ctx, "cluster-1")
	require.NoError(t, err)
	require.Len(t, all, 2)

	anchors, err := authority.EmitTrustAnchors(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Len(t, anchors, 2)
}

func TestRevokeAppendsCRLEntryAndMarksCertRevoked(t *testing.T) {
	authority, store := newTestAuthority(t)
	ctx := context.Background()
	_, err := authority.EnsureCA(ctx, "cluster-1")
	require.NoError(t, err)

	issued, _, err := authority.IssueClient(ctx, "cluster-1", "proxy-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, authority.Revoke(ctx, issued, "key compromise"))

	revoked, err := store.IsRevoked(ctx, issued.CAID, issued.Serial)
	require.NoError(t, err)
	assert.True(t, revoked)

	stored, err := store.GetCertificate(ctx, "cluster-1", issued.ID)
	require.NoError(t, err)
	assert.Equal(t, cert.StatusRevoked, stored.Status)
}

var _ storage.CAStore = (*memory.Store)(nil)
