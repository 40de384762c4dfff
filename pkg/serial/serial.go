// Package serial manages the persisted counters a certificate authority
// owns: the certificate serial counter and the CRL sequence counter. Both
// are stored as fixed-width hexadecimal text for compatibility with
// openssl-style CA directories.
package serial

import (
	"fmt"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Counter file names inside a CA store directory.
const (
	SerialFile    = "serial"
	CRLNumberFile = "crlnumber"
)

// InitialValue is the textual content a counter file is created with.
const InitialValue = "01"

// Counter is a persisted monotonic counter. Next reserves the returned
// value by persisting its successor before handing it out, so a crash
// after Next can never reissue the same number.
type Counter struct {
	fs   afero.Fs
	path string
}

// NewCounter returns a counter backed by the named file inside dir.
func NewCounter(fs afero.Fs, dir, name string) *Counter {
	return &Counter{fs: fs, path: filepath.Join(dir, name)}
}

// Create writes the counter file at its initial value. It refuses to
// clobber an existing counter.
func (c *Counter) Create() error {
	if ok, err := afero.Exists(c.fs, c.path); err != nil {
		return fmt.Errorf("stat %v: %w", c.path, err)
	} else if ok {
		return fmt.Errorf("counter %v already exists", c.path)
	}
	if err := afero.WriteFile(c.fs, c.path, []byte(InitialValue+"\n"), 0644); err != nil {
		return fmt.Errorf("create %v: %w", c.path, err)
	}
	return nil
}

// Next returns the current counter value after persisting the incremented
// successor. The returned value is therefore reserved: a retry after a
// crash reads the successor and cannot return a duplicate.
func (c *Counter) Next() (*big.Int, error) {
	current, err := c.Peek()
	if err != nil {
		return nil, err
	}

	next := new(big.Int).Add(current, big.NewInt(1))
	if err := afero.WriteFile(c.fs, c.path, []byte(Format(next)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("persist counter %v: %w", c.path, err)
	}
	return current, nil
}

// Peek reads the counter without advancing it.
func (c *Counter) Peek() (*big.Int, error) {
	raw, err := afero.ReadFile(c.fs, c.path)
	if err != nil {
		return nil, fmt.Errorf("read counter %v: %w", c.path, err)
	}
	// Manual edits tend to leave trailing newlines or spaces behind.
	text := strings.TrimSpace(string(raw))
	value, ok := new(big.Int).SetString(text, 16)
	if !ok {
		return nil, fmt.Errorf("counter %v: malformed value %q", c.path, text)
	}
	return value, nil
}

// Format renders a counter value the way openssl expects it: upper-case
// hexadecimal padded to an even number of digits.
func Format(n *big.Int) string {
	out := fmt.Sprintf("%X", n)
	if len(out)%2 == 1 {
		out = "0" + out
	}
	return out
}
