// Package ledger keeps the authoritative record of every certificate a
// CA has ever issued. It behaves like a small append-mostly database:
// entries are keyed by serial number, looked up by subject, flipped to
// revoked, and never deleted.
package ledger

import (
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"
)

// Entry states. The textual values match the openssl index.txt format.
const (
	Valid   = "V"
	Revoked = "R"
	Expired = "E"
)

var (
	ErrNotFound       = errors.New("no matching ledger entry")
	ErrAlreadyRevoked = errors.New("certificate already revoked")
	ErrAlreadyExpired = errors.New("certificate already expired")
)

// Entry is one issued certificate's ledger record.
type Entry struct {
	Status    string
	Expiry    time.Time
	RevokedAt time.Time
	Serial    *big.Int
	Filename  string
	Subject   string
}

// Ledger records issued certificates for one CA.
type Ledger interface {
	// Append allocates the next serial and records a new Valid entry.
	// No certificate may be considered issued unless Append succeeded.
	Append(subject pkix.Name, notAfter time.Time, filename string) (*big.Int, error)

	// FindValid returns every Valid entry whose subject common name
	// matches, ordered by serial. More than one match is possible when a
	// subject was re-issued without revocation; callers take the first
	// and treat the surplus as a warning.
	FindValid(commonName string) ([]Entry, error)

	// Revoke flips the entry with the given serial to Revoked. It
	// returns ErrNotFound for an unknown serial and ErrAlreadyRevoked
	// when the entry was revoked before.
	Revoke(serial *big.Int) error

	// Entries lists the whole ledger in serial order.
	Entries() ([]Entry, error)

	// Revoked returns the revoked subset in the form the CRL generator
	// consumes.
	Revoked() ([]pkix.RevokedCertificate, error)
}

// FormatDN renders a pkix.Name the way openssl writes it into index.txt,
// with the common name last.
func FormatDN(name pkix.Name) string {
	var dn string
	if strs := name.Country; len(strs) == 1 {
		dn += "/C=" + strs[0]
	}
	if strs := name.Organization; len(strs) == 1 {
		dn += "/O=" + strs[0]
	}
	if strs := name.OrganizationalUnit; len(strs) == 1 {
		dn += "/OU=" + strs[0]
	}
	if strs := name.Locality; len(strs) == 1 {
		dn += "/L=" + strs[0]
	}
	if strs := name.Province; len(strs) == 1 {
		dn += "/ST=" + strs[0]
	}
	return dn + "/CN=" + name.CommonName
}
