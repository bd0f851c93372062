package security

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

func parseCert(t *testing.T, pemData string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(pemData))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueSessionPair(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ca := NewCertAuthority(store)
	source, target, err := ca.IssueSessionPair("sess-1")
	require.NoError(t, err)

	srcLeaf := parseCert(t, source.CertPEM)
	assert.Equal(t, "pureboot-clone-sess-1-source", srcLeaf.Subject.CommonName)
	require.Len(t, srcLeaf.Subject.OrganizationalUnit, 1)
	assert.Equal(t, string(types.RoleSource), srcLeaf.Subject.OrganizationalUnit[0])

	tgtLeaf := parseCert(t, target.CertPEM)
	assert.Equal(t, SessionCN("sess-1", types.RoleTarget), tgtLeaf.Subject.CommonName)

	// Both leaves chain to the same CA and both sides carry it.
	caCert := parseCert(t, source.CAPEM)
	assert.True(t, caCert.IsCA)
	require.NoError(t, srcLeaf.CheckSignatureFrom(caCert))
	require.NoError(t, tgtLeaf.CheckSignatureFrom(caCert))
	assert.Equal(t, source.CAPEM, target.CAPEM)

	// Keys are distinct per role.
	assert.NotEqual(t, source.KeyPEM, target.KeyPEM)
	assert.NotEmpty(t, source.KeyPEM)
}

func TestCAPersistsAcrossInstances(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := NewCertAuthority(store)
	pem1, err := first.CAPEM()
	require.NoError(t, err)

	// A fresh authority over the same store reloads the persisted CA
	// instead of minting a new one.
	second := NewCertAuthority(store)
	pem2, err := second.CAPEM()
	require.NoError(t, err)
	assert.Equal(t, pem1, pem2)

	// Leaves issued by the second instance verify against the first CA.
	source, _, err := second.IssueSessionPair("sess-2")
	require.NoError(t, err)
	leaf := parseCert(t, source.CertPEM)
	require.NoError(t, leaf.CheckSignatureFrom(parseCert(t, pem1)))
}

func TestCertBundleZero(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	source, _, err := NewCertAuthority(store).IssueSessionPair("sess-3")
	require.NoError(t, err)
	require.NotEmpty(t, source.KeyPEM)

	source.Zero()
	assert.Empty(t, source.KeyPEM)
	assert.NotEmpty(t, source.CertPEM)
}
