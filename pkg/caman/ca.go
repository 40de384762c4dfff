// Package caman manages the lifecycle of a certificate authority: the
// root/intermediate state machine, issuance of host and client
// certificates, revocation, and the bookkeeping (serial counter, ledger,
// CRL) that keeps the CA's state consistent over time.
//
// The package assumes a single operator and a single process per CA
// store: there is no internal locking, and commands are expected to run
// one at a time. Two documented inconsistency windows exist and are not
// rolled back: a ledger entry whose issuance failed after the entry was
// written, and a renewal whose revoke succeeded but whose re-issuance
// failed.
package caman

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/machalekj/caman/pkg/chain"
	"github.com/machalekj/caman/pkg/config"
	"github.com/machalekj/caman/pkg/engine"
	"github.com/machalekj/caman/pkg/ledger"
	"github.com/machalekj/caman/pkg/serial"
	"github.com/machalekj/caman/pkg/store"
)

// State of a certificate authority. Active is terminal.
type State int

const (
	Uninitialized State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "uninitialized"
}

// defaultCRLDays is the CRL validity used when the configuration does
// not name one.
const defaultCRLDays = 30

// CA is a handle to one certificate authority store and everything it
// owns: signing key, certificate, ledger, counters, revocation list.
type CA struct {
	Store  *store.Store
	Config *config.CA
	Engine engine.Engine
	Ledger ledger.Ledger

	fileLedger *ledger.File
	crlSeq     *serial.Counter

	// Unlock secret and parsed key material, cached for the lifetime of
	// this handle (one process invocation) and never persisted.
	secret []byte
	key    crypto.Signer
	cert   *x509.Certificate
}

// Open returns a handle to the CA stored in dir. The CA configuration
// must be readable; everything else is checked lazily by the operations
// themselves.
func Open(fs afero.Fs, dir string) (*CA, error) {
	cfg, err := config.LoadCA(fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w (%v)", ErrMissingConfig, err)
		}
		return nil, fail("open ca", dir, err)
	}
	s := store.New(fs, dir)
	fl := ledger.NewFile(fs, dir, serial.NewCounter(fs, dir, serial.SerialFile))
	return &CA{
		Store:      s,
		Config:     cfg,
		Engine:     engine.X509{},
		Ledger:     fl,
		fileLedger: fl,
		crlSeq:     serial.NewCounter(fs, dir, serial.CRLNumberFile),
	}, nil
}

// Unlock caches the signing-key secret for this invocation. It must be
// called before any operation that signs when the CA key is encrypted.
func (ca *CA) Unlock(secret []byte) { ca.secret = secret }

// State reports whether the CA has been initialized. A CA is Active once
// its own certificate exists; there is no de-initialization.
func (ca *CA) State() (State, error) {
	ok, err := ca.Store.HasCert()
	if err != nil {
		return Uninitialized, fail("inspect ca", ca.Store.Root, err)
	}
	if ok {
		return Active, nil
	}
	return Uninitialized, nil
}

// CommonName is the CA's declared name, the subject its own ledger entry
// is filed under in the parent CA.
func (ca *CA) CommonName() string { return ca.Config.Subject.CommonName }

// Init transitions the CA from Uninitialized to Active. For a root CA it
// self-signs; for an intermediate it produces a CSR and has the parent
// sign it via SignIntermediate. parent may be nil for an intermediate
// whose configuration names its parent store.
func (ca *CA) Init(parent *CA) error {
	state, err := ca.State()
	if err != nil {
		return err
	}
	if state == Active {
		return fail("init ca", ca.CommonName(), ErrAlreadyInitialized)
	}

	// An intermediate is useless without a live parent, so check before
	// touching the store.
	if ca.Config.Kind == config.KindIntermediate {
		parent, err = ca.resolveParent(parent)
		if err != nil {
			return err
		}
	}

	if err := ca.Store.Scaffold(); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}

	key, err := ca.Engine.GenerateKey(ca.Config.KeySize)
	if err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	keyPEM, err := engine.MarshalPrivateKey(key, ca.secret)
	if err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	if err := ca.Store.WriteKey(keyPEM); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	ca.key = key

	switch ca.Config.Kind {
	case config.KindRoot:
		cert, err := ca.Engine.SelfSign(key, ca.Config.Subject.Name(), ca.Config.ValidDays)
		if err != nil {
			return fail("init ca", ca.CommonName(), err)
		}
		if err := ca.Store.WriteCert(engine.MarshalCertificate(cert)); err != nil {
			return fail("init ca", ca.CommonName(), err)
		}
		ca.cert = cert
	case config.KindIntermediate:
		if err := ca.initIntermediate(parent, key); err != nil {
			return err
		}
	}

	return ca.finishInit()
}

// resolveParent opens the configured parent store when no handle was
// passed in, and verifies the parent is reachable and Active.
func (ca *CA) resolveParent(parent *CA) (*CA, error) {
	if parent == nil {
		if ca.Config.Parent == "" {
			return nil, fail("init ca", ca.CommonName(), ErrInvalidParent)
		}
		var err error
		parent, err = Open(ca.Store.Fs, ca.Config.Parent)
		if err != nil {
			return nil, fail("init ca", ca.CommonName(), fmt.Errorf("%w: %v", ErrInvalidParent, err))
		}
	}
	if state, err := parent.State(); err != nil {
		return nil, err
	} else if state != Active {
		return nil, fail("init ca", ca.CommonName(), ErrInvalidParent)
	}
	return parent, nil
}

// initIntermediate produces the pending CSR, has the parent sign it, and
// builds this CA's trust chain from the parent's certificate and chain.
func (ca *CA) initIntermediate(parent *CA, key crypto.Signer) error {
	csr, err := ca.Engine.CreateCSR(key, engine.CSRRequest{Subject: ca.Config.Subject.Name()})
	if err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	if err := ca.Store.WriteCSR(engine.MarshalCSR(csr)); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}

	// Cross-CA signing: the parent's state machine signs this store. The
	// parent's ledger and serial counter advance here and are not rolled
	// back if a later step of this initialization fails.
	cert, err := SignIntermediate(parent, ca)
	if err != nil {
		return err
	}
	if err := ca.Store.WriteCert(engine.MarshalCertificate(cert)); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	ca.cert = cert
	if err := ca.Store.RemoveCSR(); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}

	parentCert, err := parent.Store.ReadCert()
	if err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	parentChain, err := parent.Store.ReadChain()
	if err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	if err := ca.Store.WriteChain(chain.ForNewCA(parentCert, parentChain)); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	return nil
}

// finishInit persists the counters at their initial values and produces
// the CA's first, empty revocation list.
func (ca *CA) finishInit() error {
	serials := serial.NewCounter(ca.Store.Fs, ca.Store.Root, serial.SerialFile)
	if err := serials.Create(); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	if err := ca.crlSeq.Create(); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	if err := ca.fileLedger.Create(); err != nil {
		return fail("init ca", ca.CommonName(), err)
	}
	return ca.RegenerateCRL()
}

// SignIntermediate signs the child CA's pending certificate request under
// the parent. It is the cross-CA entry point: it executes entirely in the
// parent's context (parent ledger, parent serial, parent key) against an
// explicit handle to the child's store, and is reachable both during the
// child's own initialization and as a top-level operation.
//
// The validity period comes from the child's configuration, not the
// parent's. The issued certificate carries the CA extension profile.
func SignIntermediate(parent, child *CA) (*x509.Certificate, error) {
	if state, err := parent.State(); err != nil {
		return nil, err
	} else if state != Active {
		return nil, fail("sign intermediate", child.CommonName(), ErrNotInitialized)
	}
	if ok, err := child.Store.HasCert(); err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	} else if ok {
		return nil, fail("sign intermediate", child.CommonName(), ErrAlreadySigned)
	}
	if ok, err := child.Store.HasCSR(); err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	} else if !ok {
		return nil, fail("sign intermediate", child.CommonName(), ErrMissingCSR)
	}

	csrPEM, err := child.Store.ReadCSR()
	if err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	}
	csr, err := engine.ParseCSR(csrPEM)
	if err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	}

	key, cert, err := parent.signer()
	if err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	}

	validDays := child.Config.ValidDays
	notAfter := notAfterDays(validDays)
	sn, err := parent.Ledger.Append(child.Config.Subject.Name(), notAfter, child.CommonName()+".crt")
	if err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	}

	signed, err := parent.Engine.Sign(engine.SignRequest{
		Key:       key,
		Cert:      cert,
		CSR:       csr,
		Serial:    sn,
		ValidDays: validDays,
		Profile:   engine.ProfileCA,
	})
	if err != nil {
		return nil, fail("sign intermediate", child.CommonName(), err)
	}
	return signed, nil
}

// RegenerateCRL rebuilds the CA's revocation list from the ledger's
// current revoked set under the next CRL sequence number, replacing the
// previous artifact. It runs after every successful revocation; a stale
// CRL after a committed revoke is an error, not a fallback.
func (ca *CA) RegenerateCRL() error {
	key, cert, err := ca.signer()
	if err != nil {
		return fail("regenerate crl", ca.CommonName(), err)
	}
	revoked, err := ca.Ledger.Revoked()
	if err != nil {
		return fail("regenerate crl", ca.CommonName(), err)
	}
	number, err := ca.crlSeq.Next()
	if err != nil {
		return fail("regenerate crl", ca.CommonName(), err)
	}

	crlDays := ca.Config.CRLDays
	if crlDays == 0 {
		crlDays = defaultCRLDays
	}
	crl, err := ca.Engine.GenerateCRL(key, cert, revoked, number, crlDays)
	if err != nil {
		return fail("regenerate crl", ca.CommonName(), err)
	}
	if err := ca.Store.WriteCRL(crl); err != nil {
		return fail("regenerate crl", ca.CommonName(), err)
	}
	return nil
}

// signer loads and caches the CA's unlocked key and certificate.
func (ca *CA) signer() (crypto.Signer, *x509.Certificate, error) {
	if ca.key == nil {
		raw, err := ca.Store.ReadKey()
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%v)", ErrNotInitialized, err)
		}
		key, err := engine.ParsePrivateKey(raw, ca.secret)
		if err != nil {
			return nil, nil, err
		}
		ca.key = key
	}
	if ca.cert == nil {
		raw, err := ca.Store.ReadCert()
		if err != nil {
			return nil, nil, fmt.Errorf("%w (%v)", ErrNotInitialized, err)
		}
		cert, err := engine.ParseCertificate(raw)
		if err != nil {
			return nil, nil, err
		}
		ca.cert = cert
	}
	return ca.key, ca.cert, nil
}
