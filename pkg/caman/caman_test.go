package caman_test

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machalekj/caman/pkg/caman"
	"github.com/machalekj/caman/pkg/config"
	"github.com/machalekj/caman/pkg/engine"
	"github.com/machalekj/caman/pkg/ledger"
)

func writeCAConfig(t *testing.T, fs afero.Fs, dir string, cfg *config.CA) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(dir, 0755))
	require.NoError(t, config.SaveCA(fs, dir, cfg))
}

func newRoot(t *testing.T, fs afero.Fs, dir, cn string) *caman.CA {
	t.Helper()
	writeCAConfig(t, fs, dir, &config.CA{
		Kind:      config.KindRoot,
		ValidDays: 3650,
		Subject:   config.Subject{CommonName: cn, Organization: "Acme Inc."},
	})
	ca, err := caman.Open(fs, dir)
	require.NoError(t, err)
	require.NoError(t, ca.Init(nil))
	return ca
}

func newIntermediate(t *testing.T, fs afero.Fs, dir, parentDir, cn string) *caman.CA {
	t.Helper()
	writeCAConfig(t, fs, dir, &config.CA{
		Kind:      config.KindIntermediate,
		Parent:    parentDir,
		ValidDays: 1825,
		Subject:   config.Subject{CommonName: cn, Organization: "Acme Inc."},
	})
	ca, err := caman.Open(fs, dir)
	require.NoError(t, err)
	require.NoError(t, ca.Init(nil))
	return ca
}

func registerHost(t *testing.T, ca *caman.CA, subject string, altDNS ...string) {
	t.Helper()
	require.NoError(t, ca.Register(subject, &config.Host{
		ValidDays: 365,
		Subject:   config.Subject{CommonName: subject},
		AltNames:  config.AltNames{DNS: altDNS},
	}))
}

func parseCRL(t *testing.T, raw []byte) *x509.RevocationList {
	t.Helper()
	block, _ := pem.Decode(raw)
	require.NotNil(t, block, "crl pem block")
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	return crl
}

func TestOpenWithoutConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/pki/bare", 0755))
	_, err := caman.Open(fs, "/pki/bare")
	assert.ErrorIs(t, err, caman.ErrMissingConfig)
}

func TestInitRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")

	state, err := root.State()
	require.NoError(t, err)
	assert.Equal(t, caman.Active, state)

	// A root has no trust chain; its certificate travels out of band.
	hasChain, err := root.Store.HasChain()
	require.NoError(t, err)
	assert.False(t, hasChain)

	// Self-signing does not consume the ledger or the serial counter.
	entries, err := root.Ledger.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	raw, err := afero.ReadFile(fs, "/pki/root/serial")
	require.NoError(t, err)
	assert.Equal(t, "01\n", string(raw))

	// The empty CRL exists from the start.
	crlRaw, err := root.Store.ReadCRL()
	require.NoError(t, err)
	assert.Empty(t, parseCRL(t, crlRaw).RevokedCertificateEntries)

	certRaw, err := root.Store.ReadCert()
	require.NoError(t, err)
	cert, err := engine.ParseCertificate(certRaw)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	assert.Equal(t, "Root CA", cert.Subject.CommonName)
	assert.NoError(t, cert.CheckSignatureFrom(cert))
}

func TestInitTwiceFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	newRoot(t, fs, "/pki/root", "Root CA")
	inter := newIntermediate(t, fs, "/pki/int", "/pki/root", "Intermediate CA")

	// Re-open both to model a second invocation.
	for _, dir := range []string{"/pki/root", "/pki/int"} {
		ca, err := caman.Open(fs, dir)
		require.NoError(t, err)
		err = ca.Init(nil)
		assert.ErrorIs(t, err, caman.ErrAlreadyInitialized, dir)
	}

	// Nothing was mutated by the failed attempts.
	entries, err := inter.Ledger.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInitIntermediate(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")
	inter := newIntermediate(t, fs, "/pki/int", "/pki/root", "Intermediate CA")

	// The intermediate's chain is exactly the root certificate.
	rootCert, err := root.Store.ReadCert()
	require.NoError(t, err)
	interChain, err := inter.Store.ReadChain()
	require.NoError(t, err)
	assert.Equal(t, rootCert, interChain)

	// The root's ledger gained exactly one Valid entry for the child.
	entries, err := root.Ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.Valid, entries[0].Status)
	assert.Contains(t, entries[0].Subject, "/CN=Intermediate CA")

	// The child certificate is a CA certificate signed by the root.
	interCertRaw, err := inter.Store.ReadCert()
	require.NoError(t, err)
	interCert, err := engine.ParseCertificate(interCertRaw)
	require.NoError(t, err)
	rootParsed, err := engine.ParseCertificate(rootCert)
	require.NoError(t, err)
	assert.True(t, interCert.IsCA)
	assert.NoError(t, interCert.CheckSignatureFrom(rootParsed))

	// The pending CSR is consumed by a successful initialization.
	hasCSR, err := inter.Store.HasCSR()
	require.NoError(t, err)
	assert.False(t, hasCSR)
}

func TestDeepChain(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")
	i1 := newIntermediate(t, fs, "/pki/i1", "/pki/root", "Intermediate 1")
	i2 := newIntermediate(t, fs, "/pki/i2", "/pki/i1", "Intermediate 2")

	rootCert, err := root.Store.ReadCert()
	require.NoError(t, err)
	i1Cert, err := i1.Store.ReadCert()
	require.NoError(t, err)

	i2Chain, err := i2.Store.ReadChain()
	require.NoError(t, err)
	assert.Equal(t, string(i1Cert)+string(rootCert), string(i2Chain))
}

func TestIssueHost(t *testing.T) {
	fs := afero.NewMemMapFs()
	newRoot(t, fs, "/pki/root", "Root CA")
	inter := newIntermediate(t, fs, "/pki/int", "/pki/root", "Intermediate CA")
	registerHost(t, inter, "web1", "web1.acme.org")

	issued, err := inter.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)

	cert, err := engine.ParseCertificate(issued.Artifacts.Cert)
	require.NoError(t, err)
	assert.Equal(t, "web1", cert.Subject.CommonName)
	assert.Equal(t, []string{"web1.acme.org"}, cert.DNSNames)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, cert.ExtKeyUsage)

	// chained.crt is the leaf followed by the issuer's chain.
	interChain, err := inter.Store.ReadChain()
	require.NoError(t, err)
	assert.Equal(t, string(issued.Artifacts.Cert)+string(interChain), string(issued.Artifacts.ChainedCert))
	assert.NotEmpty(t, issued.Artifacts.KeyCert)
	assert.NotEmpty(t, issued.Artifacts.ChainedKeyCert)

	// The ledger gained one Valid entry for web1.
	matches, err := inter.Ledger.FindValid("web1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].Serial.Cmp(cert.SerialNumber))

	// Artifacts landed in a dated instance directory under the host store.
	ok, err := afero.Exists(fs, filepath.Join(issued.Dir, "web1.crt"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIssueUnderRootHasNoChainedVariants(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")
	registerHost(t, root, "web1")

	issued, err := root.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)
	assert.Nil(t, issued.Artifacts.ChainedCert)
	assert.Nil(t, issued.Artifacts.ChainedKeyCert)
}

func TestIssueTwiceSameDayUsesFreshInstance(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")
	registerHost(t, root, "web1")

	first, err := root.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)
	second, err := root.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)

	assert.NotEqual(t, first.Dir, second.Dir)
	assert.NotEqual(t, first.Serial, second.Serial)

	// The first issuance's artifacts are untouched.
	raw, err := afero.ReadFile(fs, filepath.Join(first.Dir, "web1.crt"))
	require.NoError(t, err)
	assert.Equal(t, string(first.Artifacts.Cert), string(raw))
}

func TestIssueStateAndRegistrationChecks(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCAConfig(t, fs, "/pki/root", &config.CA{
		Kind:      config.KindRoot,
		ValidDays: 3650,
		Subject:   config.Subject{CommonName: "Root CA"},
	})
	ca, err := caman.Open(fs, "/pki/root")
	require.NoError(t, err)

	_, err = ca.Issue("web1", engine.ProfileHost)
	assert.ErrorIs(t, err, caman.ErrNotInitialized)

	require.NoError(t, ca.Init(nil))
	_, err = ca.Issue("web1", engine.ProfileHost)
	assert.ErrorIs(t, err, caman.ErrSubjectNotRegistered)
}

func TestRevoke(t *testing.T) {
	fs := afero.NewMemMapFs()
	newRoot(t, fs, "/pki/root", "Root CA")
	inter := newIntermediate(t, fs, "/pki/int", "/pki/root", "Intermediate CA")
	registerHost(t, inter, "web1")

	issued, err := inter.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)
	cert, err := engine.ParseCertificate(issued.Artifacts.Cert)
	require.NoError(t, err)

	// Before revocation the CRL does not list the serial.
	crlRaw, err := inter.Store.ReadCRL()
	require.NoError(t, err)
	assert.Empty(t, parseCRL(t, crlRaw).RevokedCertificateEntries)

	require.NoError(t, inter.Revoke("web1"))

	matches, err := inter.Ledger.FindValid("web1")
	require.NoError(t, err)
	assert.Empty(t, matches)

	crlRaw, err = inter.Store.ReadCRL()
	require.NoError(t, err)
	crl := parseCRL(t, crlRaw)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(cert.SerialNumber))

	// Revoking again surfaces the absence of a valid certificate.
	err = inter.Revoke("web1")
	assert.ErrorIs(t, err, caman.ErrNoValidCertificate)
}

func TestRevokeIntermediateByStorePath(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")
	newIntermediate(t, fs, "/pki/int", "/pki/root", "Intermediate CA")

	// The target names the child store; its config resolves the subject.
	require.NoError(t, root.Revoke("/pki/int"))

	matches, err := root.Ledger.FindValid("Intermediate CA")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// brokenKeyEngine fails key generation, modeling an engine failure during
// the re-issuance half of a renewal.
type brokenKeyEngine struct {
	engine.Engine
}

func (brokenKeyEngine) GenerateKey(bits int) (crypto.Signer, error) {
	return nil, &engine.Error{Op: "generate key", Err: errors.New("simulated failure")}
}

func TestRenewReissueFailureLeavesRevokedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	newRoot(t, fs, "/pki/root", "Root CA")
	inter := newIntermediate(t, fs, "/pki/int", "/pki/root", "Intermediate CA")
	registerHost(t, inter, "web1")

	_, err := inter.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)

	inter.Engine = brokenKeyEngine{Engine: engine.X509{}}
	_, err = inter.Renew("web1", engine.ProfileHost)
	require.Error(t, err)

	// Revocation committed, re-issuance did not: web1 is left revoked
	// with no new Valid entry, diagnosable and not rolled back.
	matches, err := inter.Ledger.FindValid("web1")
	require.NoError(t, err)
	assert.Empty(t, matches)

	entries, err := inter.Ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.Revoked, entries[0].Status)
}

func TestSignIntermediateStateChecks(t *testing.T) {
	fs := afero.NewMemMapFs()
	rootDir := "/pki/root"
	root := newRoot(t, fs, rootDir, "Root CA")

	// A child with a configuration but no pending CSR cannot be signed.
	writeCAConfig(t, fs, "/pki/pending", &config.CA{
		Kind:      config.KindIntermediate,
		Parent:    rootDir,
		ValidDays: 1825,
		Subject:   config.Subject{CommonName: "Pending CA"},
	})
	child, err := caman.Open(fs, "/pki/pending")
	require.NoError(t, err)
	_, err = caman.SignIntermediate(root, child)
	assert.ErrorIs(t, err, caman.ErrMissingCSR)

	// An initialized child is already signed.
	signed := newIntermediate(t, fs, "/pki/int", rootDir, "Intermediate CA")
	_, err = caman.SignIntermediate(root, signed)
	assert.ErrorIs(t, err, caman.ErrAlreadySigned)

	// An uninitialized parent cannot sign at all.
	writeCAConfig(t, fs, "/pki/coldroot", &config.CA{
		Kind:      config.KindRoot,
		ValidDays: 3650,
		Subject:   config.Subject{CommonName: "Cold Root"},
	})
	coldRoot, err := caman.Open(fs, "/pki/coldroot")
	require.NoError(t, err)
	_, err = caman.SignIntermediate(coldRoot, child)
	assert.ErrorIs(t, err, caman.ErrNotInitialized)
}

func TestInitIntermediateRequiresActiveParent(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCAConfig(t, fs, "/pki/coldroot", &config.CA{
		Kind:      config.KindRoot,
		ValidDays: 3650,
		Subject:   config.Subject{CommonName: "Cold Root"},
	})
	writeCAConfig(t, fs, "/pki/int", &config.CA{
		Kind:      config.KindIntermediate,
		Parent:    "/pki/coldroot",
		ValidDays: 1825,
		Subject:   config.Subject{CommonName: "Intermediate CA"},
	})
	ca, err := caman.Open(fs, "/pki/int")
	require.NoError(t, err)
	assert.ErrorIs(t, ca.Init(nil), caman.ErrInvalidParent)

	// A missing parent store is just as invalid.
	writeCAConfig(t, fs, "/pki/orphan", &config.CA{
		Kind:      config.KindIntermediate,
		Parent:    "/pki/nowhere",
		ValidDays: 1825,
		Subject:   config.Subject{CommonName: "Orphan CA"},
	})
	orphan, err := caman.Open(fs, "/pki/orphan")
	require.NoError(t, err)
	assert.ErrorIs(t, orphan.Init(nil), caman.ErrInvalidParent)
}

func TestEncryptedCAKey(t *testing.T) {
	fs := afero.NewMemMapFs()
	secret := []byte("hunter2hunter2")

	writeCAConfig(t, fs, "/pki/root", &config.CA{
		Kind:      config.KindRoot,
		ValidDays: 3650,
		Subject:   config.Subject{CommonName: "Root CA"},
	})
	ca, err := caman.Open(fs, "/pki/root")
	require.NoError(t, err)
	ca.Unlock(secret)
	require.NoError(t, ca.Init(nil))

	keyRaw, err := ca.Store.ReadKey()
	require.NoError(t, err)
	block, _ := pem.Decode(keyRaw)
	require.NotNil(t, block)
	assert.Equal(t, "ENCRYPTED PRIVATE KEY", block.Type)

	// A later invocation must unlock before signing.
	registerHost(t, ca, "web1")
	reopened, err := caman.Open(fs, "/pki/root")
	require.NoError(t, err)
	reopened.Unlock(secret)
	_, err = reopened.Issue("web1", engine.ProfileHost)
	require.NoError(t, err)
}

func TestSerialsNeverRepeatAcrossInvocations(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := newRoot(t, fs, "/pki/root", "Root CA")
	registerHost(t, root, "web1")

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		ca, err := caman.Open(fs, "/pki/root")
		require.NoError(t, err)
		issued, err := ca.Issue("web1", engine.ProfileHost)
		require.NoError(t, err)
		assert.False(t, seen[issued.Serial], "serial %v repeated", issued.Serial)
		seen[issued.Serial] = true
	}
}
