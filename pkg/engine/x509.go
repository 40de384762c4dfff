package engine

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// DefaultKeySize is used when a configuration does not name one.
const DefaultKeySize = 2048

// X509 implements Engine with the standard library's crypto stack and
// RSA keys.
type X509 struct{}

var _ Engine = X509{}

// GenerateKey produces an RSA key of the given strength.
func (X509) GenerateKey(bits int) (crypto.Signer, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &Error{Op: "generate key", Err: err}
	}
	return key, nil
}

// SelfSign produces a root CA certificate. The serial is random, as is
// conventional for self-signed roots.
func (X509) SelfSign(key crypto.Signer, subject pkix.Name, validDays int) (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	sn, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, &Error{Op: "self sign", Err: fmt.Errorf("generate serial: %w", err)}
	}
	ski, err := subjectKeyID(key.Public())
	if err != nil {
		return nil, &Error{Op: "self sign", Err: err}
	}

	template := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, validDays),
		SignatureAlgorithm:    x509.SHA256WithRSA,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, &Error{Op: "self sign", Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &Error{Op: "self sign", Err: err}
	}
	return cert, nil
}

// CreateCSR produces a DER-encoded certificate request. No signing
// secret is needed; the request is signed with the subject's own key.
func (X509) CreateCSR(key crypto.Signer, req CSRRequest) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:            req.Subject,
		SignatureAlgorithm: x509.SHA256WithRSA,
		DNSNames:           req.DNSNames,
		IPAddresses:        req.IPAddresses,
		EmailAddresses:     req.EmailAddresses,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, &Error{Op: "create csr", Err: err}
	}
	return der, nil
}

// Sign signs the CSR in req under the issuer key and certificate,
// applying the extensions the requested profile calls for.
func (X509) Sign(req SignRequest) (*x509.Certificate, error) {
	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, &Error{Op: "sign", Err: fmt.Errorf("parse csr: %w", err)}
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, &Error{Op: "sign", Err: fmt.Errorf("check csr signature: %w", err)}
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, &Error{Op: "sign", Err: err}
	}

	template := &x509.Certificate{
		SerialNumber:       req.Serial,
		Subject:            csr.Subject,
		NotBefore:          time.Now(),
		NotAfter:           time.Now().AddDate(0, 0, req.ValidDays),
		SignatureAlgorithm: x509.SHA256WithRSA,
		SubjectKeyId:       ski,
		AuthorityKeyId:     req.Cert.SubjectKeyId,
	}
	switch req.Profile {
	case ProfileCA:
		template.IsCA = true
		template.BasicConstraintsValid = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case ProfileHost:
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = csr.DNSNames
		template.IPAddresses = csr.IPAddresses
	case ProfileClient:
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
		template.EmailAddresses = csr.EmailAddresses
	default:
		return nil, &Error{Op: "sign", Err: fmt.Errorf("unknown profile %v", req.Profile)}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, req.Cert, csr.PublicKey, req.Key)
	if err != nil {
		return nil, &Error{Op: "sign", Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &Error{Op: "sign", Err: err}
	}
	return cert, nil
}

// GenerateCRL signs a revocation list over the given snapshot.
func (X509) GenerateCRL(key crypto.Signer, cert *x509.Certificate, revoked []pkix.RevokedCertificate, number *big.Int, validDays int) ([]byte, error) {
	template := &x509.RevocationList{
		Number:              number,
		ThisUpdate:          time.Now(),
		NextUpdate:          time.Now().AddDate(0, 0, validDays),
		RevokedCertificates: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, cert, key)
	if err != nil {
		return nil, &Error{Op: "generate crl", Err: err}
	}
	return encodePEM("X509 CRL", der), nil
}

// subjectKeyID derives the subject key identifier the way openssl does,
// a SHA-1 digest over the encoded public key.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
	raw, err := asn1.Marshal(*rsaPub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha1.Sum(raw)
	return sum[:], nil
}
