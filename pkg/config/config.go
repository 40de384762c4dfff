// Package config holds the rendered YAML configuration for a certificate
// authority and for each subject registered under it. The rest of the
// system treats these files as already-rendered input: it reads them to
// learn subjects, alt names and validity periods, and never edits them
// behind the operator's back.
package config

import (
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"path/filepath"

	"github.com/go-yaml/yaml"
	"github.com/spf13/afero"
)

// CAFileName is the configuration file expected at the root of every CA
// store directory.
const CAFileName = "config.yaml"

// Kinds of certificate authority.
const (
	KindRoot         = "root"
	KindIntermediate = "intermediate"
)

var (
	ErrMissingValidity = errors.New("validity period missing from configuration")
	ErrUnknownKind     = errors.New("unknown ca kind")
)

// Subject mirrors the distinguished-name fields we render into
// certificates. Only CommonName is mandatory.
type Subject struct {
	CommonName         string `yaml:"cn"`
	Organization       string `yaml:"organization,omitempty"`
	OrganizationalUnit string `yaml:"organizational-unit,omitempty"`
	Country            string `yaml:"country,omitempty"`
	Province           string `yaml:"province,omitempty"`
	Locality           string `yaml:"locality,omitempty"`
}

// Name converts the subject template to a pkix.Name.
func (s Subject) Name() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Province != "" {
		name.Province = []string{s.Province}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	return name
}

// AltNames are the subject alternative names registered for a host or
// client subject. They are embedded in the subject configuration when the
// subject is registered, before any issuance.
type AltNames struct {
	DNS    []string `yaml:"dns,omitempty"`
	IPs    []string `yaml:"ips,omitempty"`
	Emails []string `yaml:"emails,omitempty"`
}

// IPAddresses parses the configured IP alt names, skipping anything that
// does not parse.
func (a AltNames) IPAddresses() []net.IP {
	ips := make([]net.IP, 0, len(a.IPs))
	for _, raw := range a.IPs {
		if ip := net.ParseIP(raw); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// CA is the rendered configuration of one certificate authority.
type CA struct {
	Kind      string  `yaml:"kind"`
	Parent    string  `yaml:"parent,omitempty"`
	KeySize   int     `yaml:"key-size,omitempty"`
	ValidDays int     `yaml:"valid-days"`
	CRLDays   int     `yaml:"crl-days,omitempty"`
	Subject   Subject `yaml:"subject"`
}

// Host is the rendered configuration of one registered subject.
type Host struct {
	ValidDays int      `yaml:"valid-days"`
	KeySize   int      `yaml:"key-size,omitempty"`
	Subject   Subject  `yaml:"subject"`
	AltNames  AltNames `yaml:"alt-names,omitempty"`
}

// LoadCA reads and validates the CA configuration stored in dir.
func LoadCA(fs afero.Fs, dir string) (*CA, error) {
	var cfg CA
	if err := load(fs, filepath.Join(dir, CAFileName), &cfg); err != nil {
		return nil, err
	}
	if cfg.Kind != KindRoot && cfg.Kind != KindIntermediate {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	if cfg.ValidDays <= 0 {
		return nil, ErrMissingValidity
	}
	return &cfg, nil
}

// SaveCA writes the CA configuration into dir.
func SaveCA(fs afero.Fs, dir string, cfg *CA) error {
	return save(fs, filepath.Join(dir, CAFileName), cfg)
}

// LoadHost reads and validates a subject configuration file.
func LoadHost(fs afero.Fs, path string) (*Host, error) {
	var cfg Host
	if err := load(fs, path, &cfg); err != nil {
		return nil, err
	}
	if cfg.ValidDays <= 0 {
		return nil, ErrMissingValidity
	}
	return &cfg, nil
}

// SaveHost writes a subject configuration file.
func SaveHost(fs afero.Fs, path string, cfg *Host) error {
	return save(fs, path, cfg)
}

func load(fs afero.Fs, path string, out interface{}) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read %v: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %v: %w", path, err)
	}
	return nil
}

func save(fs afero.Fs, path string, in interface{}) error {
	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %v: %w", path, err)
	}
	if err := afero.WriteFile(fs, path, raw, 0644); err != nil {
		return fmt.Errorf("write %v: %w", path, err)
	}
	return nil
}
