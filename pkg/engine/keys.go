package engine

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"
)

// PEM block types used across the store.
const (
	blockPrivateKey          = "PRIVATE KEY"
	blockEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
	blockCertificate         = "CERTIFICATE"
	blockCSR                 = "CERTIFICATE REQUEST"
)

// MarshalPrivateKey renders a signing key as PEM-encoded PKCS#8. A
// non-empty secret encrypts the key; the secret itself is never written
// anywhere.
func MarshalPrivateKey(key crypto.Signer, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, &Error{Op: "marshal key", Err: err}
		}
		return encodePEM(blockPrivateKey, der), nil
	}
	der, err := pkcs8.MarshalPrivateKey(key, secret, nil)
	if err != nil {
		return nil, &Error{Op: "marshal key", Err: err}
	}
	return encodePEM(blockEncryptedPrivateKey, der), nil
}

// ParsePrivateKey reads a PEM-encoded PKCS#8 key back, decrypting it with
// the secret when one is needed.
func ParsePrivateKey(raw, secret []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, &Error{Op: "parse key", Err: fmt.Errorf("no pem block found")}
	}
	var key *rsa.PrivateKey
	var err error
	if block.Type == blockEncryptedPrivateKey {
		key, err = pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, secret)
	} else {
		key, err = pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes)
	}
	if err != nil {
		return nil, &Error{Op: "parse key", Err: err}
	}
	return key, nil
}

// MarshalCertificate renders a certificate as PEM.
func MarshalCertificate(cert *x509.Certificate) []byte {
	return encodePEM(blockCertificate, cert.Raw)
}

// ParseCertificate reads the first PEM certificate block in raw.
func ParseCertificate(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != blockCertificate {
		return nil, &Error{Op: "parse certificate", Err: fmt.Errorf("no pem certificate block found")}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &Error{Op: "parse certificate", Err: err}
	}
	return cert, nil
}

// MarshalCSR renders a DER certificate request as PEM.
func MarshalCSR(der []byte) []byte {
	return encodePEM(blockCSR, der)
}

// ParseCSR reads a PEM certificate request back to DER.
func ParseCSR(raw []byte) ([]byte, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != blockCSR {
		return nil, &Error{Op: "parse csr", Err: fmt.Errorf("no pem certificate request block found")}
	}
	return block.Bytes, nil
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
