// Package engine is the certificate engine: the one place that invokes
// cryptographic primitives. Everything above it treats these operations
// as a black box that turns structured requests into keys, certificates
// and revocation lists.
package engine

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
)

// Extension profiles for signed certificates.
type Profile int

const (
	// ProfileCA grants certificate- and CRL-signing capabilities; used
	// when a parent CA signs an intermediate.
	ProfileCA Profile = iota
	// ProfileHost is a TLS server certificate.
	ProfileHost
	// ProfileClient is a TLS client certificate.
	ProfileClient
)

func (p Profile) String() string {
	switch p {
	case ProfileCA:
		return "ca"
	case ProfileHost:
		return "host"
	case ProfileClient:
		return "client"
	}
	return fmt.Sprintf("profile(%d)", int(p))
}

// Error wraps a failed engine operation. Callers treat any engine error
// as fatal to the running workflow.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("engine %v: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// CSRRequest describes the key holder a certificate request is built for.
// Alt names must already be resolved by the caller; the engine embeds
// them verbatim.
type CSRRequest struct {
	Subject        pkix.Name
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string
}

// SignRequest carries everything needed to sign a CSR: the issuer's
// unlocked key and certificate, the ledger-allocated serial, the validity
// period from the subject's configuration, and the extension profile.
type SignRequest struct {
	Key       crypto.Signer
	Cert      *x509.Certificate
	CSR       []byte
	Serial    *big.Int
	ValidDays int
	Profile   Profile
}

// Engine produces keys, certificates and revocation lists. All
// operations are synchronous; any failure is returned as *Error.
type Engine interface {
	// GenerateKey produces a fresh signing key of the given strength.
	GenerateKey(bits int) (crypto.Signer, error)

	// SelfSign produces a root CA certificate for the given key. The
	// serial is chosen by the engine; self-signing never consumes a
	// ledger serial.
	SelfSign(key crypto.Signer, subject pkix.Name, validDays int) (*x509.Certificate, error)

	// CreateCSR produces a DER-encoded certificate request.
	CreateCSR(key crypto.Signer, req CSRRequest) ([]byte, error)

	// Sign signs a CSR under the issuer key and certificate in req.
	Sign(req SignRequest) (*x509.Certificate, error)

	// GenerateCRL signs a revocation list over the given ledger snapshot
	// with the given CRL sequence number, returning it PEM-encoded.
	GenerateCRL(key crypto.Signer, cert *x509.Certificate, revoked []pkix.RevokedCertificate, number *big.Int, validDays int) ([]byte, error)
}
