package caman

import (
	"errors"
	"os"
	"time"

	"github.com/machalekj/caman/pkg/chain"
	"github.com/machalekj/caman/pkg/config"
	"github.com/machalekj/caman/pkg/engine"
)

// Register renders a subject's configuration into the host store. It
// must run before the first issuance for that subject; alt names are
// embedded here and read back verbatim by Issue.
func (ca *CA) Register(subject string, hostCfg *config.Host) error {
	state, err := ca.State()
	if err != nil {
		return err
	}
	if state != Active {
		return fail("register", subject, ErrNotInitialized)
	}
	if hostCfg.Subject.CommonName == "" {
		hostCfg.Subject.CommonName = subject
	}
	if err := ca.Store.RegisterHost(subject); err != nil {
		return fail("register", subject, err)
	}
	if err := config.SaveHost(ca.Store.Fs, ca.Store.HostConfigPath(subject), hostCfg); err != nil {
		return fail("register", subject, err)
	}
	return nil
}

// Issued describes one successful issuance: where the artifact set was
// written and what it contains.
type Issued struct {
	Dir       string
	Serial    string
	Artifacts *chain.ArtifactSet
}

// Issue runs the issuance workflow for a registered subject: allocate a
// fresh dated artifact directory, generate key and CSR, record the
// ledger entry, sign under this CA, and assemble every artifact variant.
//
// A failure after the ledger entry was written leaves that entry without
// a usable certificate. This window is accepted and not rolled back; the
// entry can be revoked or superseded by the operator.
func (ca *CA) Issue(subject string, profile engine.Profile) (*Issued, error) {
	state, err := ca.State()
	if err != nil {
		return nil, err
	}
	if state != Active {
		return nil, fail("issue", subject, ErrNotInitialized)
	}

	hostCfg, err := config.LoadHost(ca.Store.Fs, ca.Store.HostConfigPath(subject))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fail("issue", subject, ErrSubjectNotRegistered)
		}
		return nil, fail("issue", subject, err)
	}
	if hostCfg.Subject.CommonName == "" {
		hostCfg.Subject.CommonName = subject
	}

	// Collision avoidance, not error recovery: a re-issuance on the same
	// day gets the next instance directory and never clobbers earlier
	// artifacts.
	dir, err := ca.Store.AllocArtifactDir(subject, time.Now())
	if err != nil {
		return nil, fail("issue", subject, err)
	}

	key, err := ca.Engine.GenerateKey(hostCfg.KeySize)
	if err != nil {
		return nil, fail("issue", subject, err)
	}
	keyPEM, err := engine.MarshalPrivateKey(key, nil)
	if err != nil {
		return nil, fail("issue", subject, err)
	}
	csr, err := ca.Engine.CreateCSR(key, engine.CSRRequest{
		Subject:        hostCfg.Subject.Name(),
		DNSNames:       hostCfg.AltNames.DNS,
		IPAddresses:    hostCfg.AltNames.IPAddresses(),
		EmailAddresses: hostCfg.AltNames.Emails,
	})
	if err != nil {
		return nil, fail("issue", subject, err)
	}

	signingKey, signingCert, err := ca.signer()
	if err != nil {
		return nil, fail("issue", subject, err)
	}

	// No certificate exists without its ledger entry: the entry is
	// written first and its failure aborts the issuance.
	sn, err := ca.Ledger.Append(hostCfg.Subject.Name(), notAfterDays(hostCfg.ValidDays), subject+".crt")
	if err != nil {
		return nil, fail("issue", subject, err)
	}

	cert, err := ca.Engine.Sign(engine.SignRequest{
		Key:       signingKey,
		Cert:      signingCert,
		CSR:       csr,
		Serial:    sn,
		ValidDays: hostCfg.ValidDays,
		Profile:   profile,
	})
	if err != nil {
		return nil, fail("issue", subject, err)
	}

	issuerChain, err := ca.Store.ReadChain()
	if err != nil {
		return nil, fail("issue", subject, err)
	}
	set := chain.Assemble(engine.MarshalCertificate(cert), keyPEM, engine.MarshalCSR(csr), issuerChain)
	if err := ca.Store.WriteArtifacts(dir, subject, set); err != nil {
		return nil, fail("issue", subject, err)
	}

	return &Issued{Dir: dir, Serial: cert.SerialNumber.Text(16), Artifacts: set}, nil
}

// Renew is revocation followed by re-issuance for the same subject and
// profile. There is no atomicity between the two: when the re-issuance
// fails the subject is left revoked until the operator issues again.
func (ca *CA) Renew(subject string, profile engine.Profile) (*Issued, error) {
	if err := ca.Revoke(subject); err != nil {
		return nil, err
	}
	return ca.Issue(subject, profile)
}

func notAfterDays(days int) time.Time {
	return time.Now().AddDate(0, 0, days)
}
