package ledger

import (
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/machalekj/caman/pkg/serial"
)

// Ledger file names inside a CA store directory.
const (
	IndexFile     = "index.txt"
	IndexAttrFile = "index.txt.attr"
)

// timeLayout is the openssl index date format, yymmddHHMMSS (a literal Z
// suffix marks UTC).
const timeLayout = "060102150405"

const appendFlags = os.O_WRONLY | os.O_CREATE | os.O_APPEND

// Index line format:
// 0 full string
// 1 Valid/Revoked/Expired
// 2 Expiration date
// 3 Revocation date
// 4 Serial
// 5 Filename
// 6 Subject
var indexRegexp = regexp.MustCompile(`^(V|R|E)\t([0-9]{12}Z)\t([0-9]{12}Z)?\t([0-9a-fA-F]{2,})\t([^\t]+)\t(.+)`)

// File is the flat-file ledger: an openssl-compatible index.txt next to a
// persisted serial counter. It assumes the single-writer discipline the
// rest of the system runs under.
type File struct {
	fs      afero.Fs
	path    string
	serials *serial.Counter
}

var _ Ledger = (*File)(nil)

// NewFile returns a ledger stored as index.txt inside dir, allocating
// serials from the given counter.
func NewFile(fs afero.Fs, dir string, serials *serial.Counter) *File {
	return &File{fs: fs, path: filepath.Join(dir, IndexFile), serials: serials}
}

// Create writes an empty index and its attribute file. openssl needs
// unique_subject disabled for renewals to work, and so do we.
func (l *File) Create() error {
	if err := afero.WriteFile(l.fs, l.path, nil, 0644); err != nil {
		return fmt.Errorf("create %v: %w", l.path, err)
	}
	attr := filepath.Join(filepath.Dir(l.path), IndexAttrFile)
	if err := afero.WriteFile(l.fs, attr, []byte("unique_subject = no\n"), 0644); err != nil {
		return fmt.Errorf("create %v: %w", attr, err)
	}
	return nil
}

// Append allocates the next serial and appends a Valid line for the
// subject. The serial counter persists its successor before the line is
// written, so a crash in between burns a serial but never duplicates one.
func (l *File) Append(subject pkix.Name, notAfter time.Time, filename string) (*big.Int, error) {
	sn, err := l.serials.Next()
	if err != nil {
		return nil, fmt.Errorf("allocate serial: %w", err)
	}

	f, err := l.fs.OpenFile(l.path, appendFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %v: %w", l.path, err)
	}
	defer f.Close()

	line := formatLine(Entry{
		Status:   Valid,
		Expiry:   notAfter,
		Serial:   sn,
		Filename: filename,
		Subject:  FormatDN(subject),
	})
	n, err := fmt.Fprintln(f, line)
	if err != nil {
		return nil, fmt.Errorf("append to %v: %w", l.path, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("append to %v: written 0 bytes", l.path)
	}
	return sn, nil
}

// FindValid scans for Valid entries whose common name matches. Entries
// keep their on-disk order, which is serial order.
func (l *File) FindValid(commonName string) ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var matches []Entry
	for _, e := range entries {
		if e.Status != Valid {
			continue
		}
		if strings.HasSuffix(e.Subject, "/CN="+commonName) {
			matches = append(matches, e)
		}
	}
	return matches, nil
}

// Revoke rewrites the index with the matching entry flipped to Revoked.
func (l *File) Revoke(sn *big.Int) error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}

	found := false
	for i := range entries {
		if entries[i].Serial.Cmp(sn) != 0 {
			continue
		}
		switch entries[i].Status {
		case Revoked:
			return ErrAlreadyRevoked
		case Expired:
			return ErrAlreadyExpired
		}
		entries[i].Status = Revoked
		entries[i].RevokedAt = time.Now().UTC()
		found = true
	}
	if !found {
		return ErrNotFound
	}

	var out strings.Builder
	for _, e := range entries {
		out.WriteString(formatLine(e))
		out.WriteByte('\n')
	}
	if err := afero.WriteFile(l.fs, l.path, []byte(out.String()), 0644); err != nil {
		return fmt.Errorf("rewrite %v: %w", l.path, err)
	}
	return nil
}

// Entries parses the whole index.
func (l *File) Entries() ([]Entry, error) {
	raw, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return nil, fmt.Errorf("read %v: %w", l.path, err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", l.path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Revoked returns the revoked subset as CRL entries.
func (l *File) Revoked() ([]pkix.RevokedCertificate, error) {
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

func formatLine(e Entry) string {
	revokedAt := ""
	if e.Status == Revoked {
		revokedAt = e.RevokedAt.UTC().Format(timeLayout) + "Z"
	}
	return fmt.Sprintf("%v\t%vZ\t%v\t%v\t%v\t%v",
		e.Status,
		e.Expiry.UTC().Format(timeLayout),
		revokedAt,
		serial.Format(e.Serial),
		e.Filename,
		e.Subject)
}

func parseLine(line string) (Entry, error) {
	matches := indexRegexp.FindStringSubmatch(line)
	if len(matches) != 7 {
		return Entry{}, fmt.Errorf("malformed index line %q", line)
	}

	expiry, err := time.Parse(timeLayout, strings.TrimSuffix(matches[2], "Z"))
	if err != nil {
		return Entry{}, fmt.Errorf("parse expiry of %q: %w", line, err)
	}
	e := Entry{
		Status:   matches[1],
		Expiry:   expiry,
		Serial:   new(big.Int),
		Filename: matches[5],
		Subject:  matches[6],
	}
	if _, ok := e.Serial.SetString(matches[4], 16); !ok {
		return Entry{}, fmt.Errorf("parse serial of %q", line)
	}
	if matches[3] != "" {
		revokedAt, err := time.Parse(timeLayout, strings.TrimSuffix(matches[3], "Z"))
		if err != nil {
			return Entry{}, fmt.Errorf("parse revocation date of %q: %w", line, err)
		}
		e.RevokedAt = revokedAt
	}
	return e, nil
}
