package ledger

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/boltdb/bolt"
)

var entriesBucketKey = []byte("entries")

// Bolt stores the ledger in a Bolt database, one bucket of entries keyed
// by serial. Serials come from the bucket's own monotonic sequence, so a
// Bolt ledger does not need a separate counter file.
type Bolt struct {
	DB *bolt.DB
}

var _ Ledger = (*Bolt)(nil)

type boltEntry struct {
	Status    string    `json:"status"`
	Expiry    time.Time `json:"expiry"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	Serial    string    `json:"serial"`
	Filename  string    `json:"filename"`
	Subject   string    `json:"subject"`
}

// Append records a new Valid entry under the bucket's next sequence
// number. Bolt commits the sequence together with the entry, which gives
// the same reserve-before-use guarantee the file counter provides.
func (l *Bolt) Append(subject pkix.Name, notAfter time.Time, filename string) (*big.Int, error) {
	var sn *big.Int
	err := l.DB.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entriesBucketKey)
		if err != nil {
			return fmt.Errorf("failed getting entries bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed allocating serial: %w", err)
		}
		sn = new(big.Int).SetUint64(seq)

		raw, err := json.Marshal(boltEntry{
			Status:   Valid,
			Expiry:   notAfter.UTC(),
			Serial:   fmt.Sprintf("%X", sn),
			Filename: filename,
			Subject:  FormatDN(subject),
		})
		if err != nil {
			return fmt.Errorf("failed encoding entry: %w", err)
		}
		if err := b.Put(serialKey(sn), raw); err != nil {
			return fmt.Errorf("failed putting entry %v: %w", sn, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sn, nil
}

// FindValid scans the bucket in key (serial) order.
func (l *Bolt) FindValid(commonName string) ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var matches []Entry
	for _, e := range entries {
		if e.Status == Valid && strings.HasSuffix(e.Subject, "/CN="+commonName) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

// Revoke flips the entry with the given serial to Revoked.
func (l *Bolt) Revoke(sn *big.Int) error {
	return l.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucketKey)
		if b == nil {
			return ErrNotFound
		}
		raw := b.Get(serialKey(sn))
		if raw == nil {
			return ErrNotFound
		}
		var e boltEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("failed decoding entry %v: %w", sn, err)
		}
		switch e.Status {
		case Revoked:
			return ErrAlreadyRevoked
		case Expired:
			return ErrAlreadyExpired
		}
		e.Status = Revoked
		e.RevokedAt = time.Now().UTC()

		updated, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed encoding entry %v: %w", sn, err)
		}
		if err := b.Put(serialKey(sn), updated); err != nil {
			return fmt.Errorf("failed putting entry %v: %w", sn, err)
		}
		return nil
	})
}

// Entries lists the ledger in serial order.
func (l *Bolt) Entries() ([]Entry, error) {
	var entries []Entry
	err := l.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucketKey)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var be boltEntry
			if err := json.Unmarshal(v, &be); err != nil {
				return fmt.Errorf("failed decoding entry %x: %w", k, err)
			}
			sn, ok := new(big.Int).SetString(be.Serial, 16)
			if !ok {
				return fmt.Errorf("failed parsing serial %q", be.Serial)
			}
			entries = append(entries, Entry{
				Status:    be.Status,
				Expiry:    be.Expiry,
				RevokedAt: be.RevokedAt,
				Serial:    sn,
				Filename:  be.Filename,
				Subject:   be.Subject,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Revoked returns the revoked subset as CRL entries.
func (l *Bolt) Revoked() ([]pkix.RevokedCertificate, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var revoked []pkix.RevokedCertificate
	for _, e := range entries {
		if e.Status != Revoked {
			continue
		}
		revoked = append(revoked, pkix.RevokedCertificate{
			SerialNumber:   e.Serial,
			RevocationTime: e.RevokedAt,
		})
	}
	return revoked, nil
}

// serialKey renders a serial as a fixed-width big-endian key so bucket
// iteration order matches serial order.
func serialKey(sn *big.Int) []byte {
	raw := sn.Bytes()
	if len(raw) >= 8 {
		return raw
	}
	return append(bytes.Repeat([]byte{0}, 8-len(raw)), raw...)
}
