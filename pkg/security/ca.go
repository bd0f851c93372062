package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

const (
	// Session CA validity: 1 year. The CA only anchors short-lived
	// session leaves; it is regenerated if lost.
	caValidity = 365 * 24 * time.Hour
	// Leaf validity: expected session lifetime plus slack.
	leafValidity = time.Hour
	leafSlack    = 15 * time.Minute

	caKeySize   = 4096
	leafKeySize = 2048
)

// CertAuthority issues short-lived leaf certificates for clone sessions.
// The CA itself is created lazily on first use and persisted in the
// controller's store.
type CertAuthority struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	store  storage.Store
	mu     sync.Mutex
}

// caData is the serialized CA material for storage.
type caData struct {
	CertDER []byte `json:"cert_der"`
	KeyDER  []byte `json:"key_der"`
}

// NewCertAuthority creates a certificate authority backed by the store.
func NewCertAuthority(store storage.Store) *CertAuthority {
	return &CertAuthority{store: store}
}

// ensure loads or creates the CA. Callers must hold mu.
func (ca *CertAuthority) ensure() error {
	if ca.caCert != nil {
		return nil
	}

	data, err := ca.store.GetCA()
	switch {
	case err == nil:
		var stored caData
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal CA data: %w", err)
		}
		cert, err := x509.ParseCertificate(stored.CertDER)
		if err != nil {
			return fmt.Errorf("failed to parse CA certificate: %w", err)
		}
		key, err := x509.ParsePKCS1PrivateKey(stored.KeyDER)
		if err != nil {
			return fmt.Errorf("failed to parse CA key: %w", err)
		}
		ca.caCert = cert
		ca.caKey = key
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ca.generate()
	default:
		return fmt.Errorf("failed to load CA: %w", err)
	}
}

// generate creates and persists a fresh self-signed CA. Callers must
// hold mu.
func (ca *CertAuthority) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"PureBoot"},
			CommonName:   "PureBoot Session CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	stored, err := json.Marshal(caData{
		CertDER: der,
		KeyDER:  x509.MarshalPKCS1PrivateKey(key),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal CA data: %w", err)
	}
	if err := ca.store.PutCA(stored); err != nil {
		return fmt.Errorf("failed to persist CA: %w", err)
	}

	ca.caCert = cert
	ca.caKey = key
	return nil
}

// CAPEM returns the CA certificate PEM, creating the CA if needed.
func (ca *CertAuthority) CAPEM() (string, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if err := ca.ensure(); err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.caCert.Raw,
	})), nil
}

// SessionCN builds the leaf CommonName for a (session, role) pair.
func SessionCN(sessionID string, role types.CloneRole) string {
	return fmt.Sprintf("pureboot-clone-%s-%s", sessionID, role)
}

// IssueSessionPair mints the source and target leaf certificates for one
// clone session. Each leaf's subject embeds the session id and role;
// leaves are never reused across sessions.
func (ca *CertAuthority) IssueSessionPair(sessionID string) (source, target *types.CertBundle, err error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if err := ca.ensure(); err != nil {
		return nil, nil, err
	}

	source, err = ca.issueLeaf(sessionID, types.RoleSource)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue source certificate: %w", err)
	}
	target, err = ca.issueLeaf(sessionID, types.RoleTarget)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue target certificate: %w", err)
	}
	return source, target, nil
}

// issueLeaf mints one leaf. Callers must hold mu with the CA loaded.
func (ca *CertAuthority) issueLeaf(sessionID string, role types.CloneRole) (*types.CertBundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization:       []string{"PureBoot"},
			OrganizationalUnit: []string{string(role)},
			CommonName:         SessionCN(sessionID, role),
		},
		NotBefore:   time.Now().Add(-leafSlack),
		NotAfter:    time.Now().Add(leafValidity + leafSlack),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign leaf certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caCert.Raw})

	return &types.CertBundle{
		CertPEM: string(certPEM),
		KeyPEM:  string(keyPEM),
		CAPEM:   string(caPEM),
	}, nil
}
