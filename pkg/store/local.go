// Package store lays out one certificate authority's persisted state on
// a filesystem: signing key, own certificate, optional trust chain,
// counters, ledger, revocation list, and a hosts directory with one
// subdirectory per registered subject. All access goes through afero so
// tests can run against an in-memory filesystem.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/machalekj/caman/pkg/chain"
)

// Fixed names inside a CA store directory.
const (
	KeyFile   = "ca.key"
	CertFile  = "ca.crt"
	CSRFile   = "ca.csr"
	ChainFile = "chain.crt"
	CRLFile   = "crl.pem"

	privateDir = "private"
	hostsDir   = "hosts"

	// HostConfigFile is the rendered configuration of one registered
	// subject, written by the register step and read by every issuance.
	HostConfigFile = "config.yaml"
)

// dayLayout names artifact directories, one per (subject, date, instance).
const dayLayout = "20060102"

// Store is a handle to one CA's directory.
type Store struct {
	Fs   afero.Fs
	Root string
}

// New returns a handle to the CA store rooted at root.
func New(fs afero.Fs, root string) *Store {
	return &Store{Fs: fs, Root: root}
}

// |-config.yaml
// |-ca.crt
// |-ca.csr          (intermediate, until signed)
// |-chain.crt       (intermediate only)
// |-crl.pem
// |-crlnumber
// |-index.txt
// |-index.txt.attr
// |-serial
// |-private/
//   |-ca.key
// |-hosts/
//   |-<subject>/
//     |-config.yaml
//     |-<yyyymmdd>-<n>/
//       |-<subject>.key .csr .crt .keycrt [.chained.crt .chained.keycrt]

// Scaffold creates the store's directory skeleton.
func (s *Store) Scaffold() error {
	for _, dir := range []string{s.Root, filepath.Join(s.Root, privateDir), filepath.Join(s.Root, hostsDir)} {
		if err := s.Fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating dir %v: %w", dir, err)
		}
	}
	return nil
}

// Path returns the absolute path of a name inside the store root.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Root, name)
}

// KeyPath is where the CA signing key lives.
func (s *Store) KeyPath() string { return filepath.Join(s.Root, privateDir, KeyFile) }

// HasCert reports whether the CA has its own certificate yet, which is
// what separates an initialized CA from a bare directory.
func (s *Store) HasCert() (bool, error) {
	return afero.Exists(s.Fs, s.Path(CertFile))
}

// HasCSR reports whether a pending CA certificate request exists.
func (s *Store) HasCSR() (bool, error) {
	return afero.Exists(s.Fs, s.Path(CSRFile))
}

// HasChain reports whether the CA carries a trust chain.
func (s *Store) HasChain() (bool, error) {
	return afero.Exists(s.Fs, s.Path(ChainFile))
}

func (s *Store) WriteKey(pem []byte) error { return s.write(s.KeyPath(), pem, 0600) }
func (s *Store) ReadKey() ([]byte, error)  { return s.read(s.KeyPath()) }

func (s *Store) WriteCert(pem []byte) error { return s.write(s.Path(CertFile), pem, 0644) }
func (s *Store) ReadCert() ([]byte, error)  { return s.read(s.Path(CertFile)) }

func (s *Store) WriteCSR(pem []byte) error { return s.write(s.Path(CSRFile), pem, 0644) }
func (s *Store) ReadCSR() ([]byte, error)  { return s.read(s.Path(CSRFile)) }

// RemoveCSR drops the pending request once the certificate has landed.
func (s *Store) RemoveCSR() error {
	if err := s.Fs.Remove(s.Path(CSRFile)); err != nil {
		return fmt.Errorf("remove %v: %w", s.Path(CSRFile), err)
	}
	return nil
}

func (s *Store) WriteChain(pem []byte) error { return s.write(s.Path(ChainFile), pem, 0644) }

// ReadChain returns the CA's trust chain, or nil when the CA has none
// (a root, whose certificate is distributed out of band).
func (s *Store) ReadChain() ([]byte, error) {
	ok, err := s.HasChain()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.read(s.Path(ChainFile))
}

// WriteCRL replaces the revocation-list artifact.
func (s *Store) WriteCRL(pem []byte) error { return s.write(s.Path(CRLFile), pem, 0644) }
func (s *Store) ReadCRL() ([]byte, error)  { return s.read(s.Path(CRLFile)) }

// HostDir is the directory of one registered subject.
func (s *Store) HostDir(subject string) string {
	return filepath.Join(s.Root, hostsDir, subject)
}

// HostConfigPath is the rendered configuration of one registered subject.
func (s *Store) HostConfigPath(subject string) string {
	return filepath.Join(s.HostDir(subject), HostConfigFile)
}

// HasHost reports whether the subject has been registered.
func (s *Store) HasHost(subject string) (bool, error) {
	return afero.Exists(s.Fs, s.HostConfigPath(subject))
}

// RegisterHost creates the subject's directory. The caller renders the
// subject configuration into it separately.
func (s *Store) RegisterHost(subject string) error {
	dir := s.HostDir(subject)
	if err := s.Fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating dir %v: %w", dir, err)
	}
	return nil
}

// AllocArtifactDir creates a fresh artifact directory for an issuance:
// hosts/<subject>/<yyyymmdd>-<n> with the smallest unused n ≥ 1 for that
// day. Prior artifact sets are never reused or overwritten.
func (s *Store) AllocArtifactDir(subject string, day time.Time) (string, error) {
	for n := 1; ; n++ {
		dir := filepath.Join(s.HostDir(subject), fmt.Sprintf("%v-%d", day.Format(dayLayout), n))
		ok, err := afero.DirExists(s.Fs, dir)
		if err != nil {
			return "", fmt.Errorf("stat %v: %w", dir, err)
		}
		if ok {
			continue
		}
		if err := s.Fs.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("creating dir %v: %w", dir, err)
		}
		return dir, nil
	}
}

// WriteArtifacts lays an issued artifact set down in dir. The chained
// variants are only present when the issuing CA carries a trust chain.
func (s *Store) WriteArtifacts(dir, subject string, set *chain.ArtifactSet) error {
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{subject + ".key", set.Key, 0600},
		{subject + ".csr", set.CSR, 0644},
		{subject + ".crt", set.Cert, 0644},
		{subject + ".keycrt", set.KeyCert, 0600},
		{subject + ".chained.crt", set.ChainedCert, 0644},
		{subject + ".chained.keycrt", set.ChainedKeyCert, 0600},
	}
	for _, f := range files {
		if len(f.data) == 0 {
			continue
		}
		if err := s.write(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) write(path string, data []byte, mode os.FileMode) error {
	if err := afero.WriteFile(s.Fs, path, data, mode); err != nil {
		return fmt.Errorf("write %v: %w", path, err)
	}
	return nil
}

func (s *Store) read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %v: %w", path, err)
	}
	return data, nil
}
