package caman

import (
	"path/filepath"

	"github.com/google/logger"
	"github.com/spf13/afero"

	"github.com/machalekj/caman/pkg/config"
)

// Revoke runs the revocation workflow. The target is either a subject
// name or a path to an intermediate CA store managed by this CA; in the
// latter case the intermediate's own configuration names the subject its
// ledger entry was filed under.
//
// The regenerated CRL is part of the revocation: if the CRL cannot be
// rebuilt the revoke is reported as failed even though the ledger entry
// has already flipped.
func (ca *CA) Revoke(target string) error {
	subject, err := ca.resolveSubject(target)
	if err != nil {
		return err
	}

	matches, err := ca.Ledger.FindValid(subject)
	if err != nil {
		return fail("revoke", subject, err)
	}
	if len(matches) == 0 {
		return fail("revoke", subject, ErrNoValidCertificate)
	}
	if len(matches) > 1 {
		// Possible after a re-issue without revocation; the oldest entry
		// wins and the rest stay valid.
		logger.Warningf("revoke %v: %d valid ledger entries match, revoking serial %X",
			subject, len(matches), matches[0].Serial)
	}

	if err := ca.Ledger.Revoke(matches[0].Serial); err != nil {
		return fail("revoke", subject, err)
	}
	return ca.RegenerateCRL()
}

// resolveSubject maps an intermediate-CA store path to the declared
// common name it was signed under, and leaves plain subjects untouched.
func (ca *CA) resolveSubject(target string) (string, error) {
	ok, err := afero.Exists(ca.Store.Fs, filepath.Join(target, config.CAFileName))
	if err != nil {
		return "", fail("revoke", target, err)
	}
	if !ok {
		return target, nil
	}
	cfg, err := config.LoadCA(ca.Store.Fs, target)
	if err != nil {
		return "", fail("revoke", target, err)
	}
	return cfg.Subject.CommonName, nil
}
