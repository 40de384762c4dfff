// Package chain assembles trust chains. A chain is an ordered PEM
// concatenation of certificates, leaf-ward first, stopping just short of
// the trusted root (the root itself is distributed out of band).
package chain

// ForNewCA computes the trust chain of a freshly signed intermediate CA
// from its parent's certificate and the parent's own chain. For a root
// parent the chain is just the parent certificate; deeper parents prepend
// themselves to their own chain.
func ForNewCA(parentCert, parentChain []byte) []byte {
	return concat(parentCert, parentChain)
}

// ArtifactSet holds every PEM variant produced for one issued
// certificate. The chained variants are nil when the issuing CA has no
// trust chain (it is a root).
type ArtifactSet struct {
	Key            []byte
	CSR            []byte
	Cert           []byte
	KeyCert        []byte
	ChainedCert    []byte
	ChainedKeyCert []byte
}

// Assemble produces the artifact variants for a newly signed certificate:
// the plain certificate, the key+certificate bundle, and, when the issuer
// carries a chain, the chain-suffixed certificate and bundle.
func Assemble(cert, key, csr, issuerChain []byte) *ArtifactSet {
	set := &ArtifactSet{
		Key:     key,
		CSR:     csr,
		Cert:    cert,
		KeyCert: concat(key, cert),
	}
	if len(issuerChain) > 0 {
		set.ChainedCert = concat(cert, issuerChain)
		set.ChainedKeyCert = concat(key, set.ChainedCert)
	}
	return set
}

// concat joins PEM blocks, keeping exactly one newline between them.
func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		out = append(out, p...)
		if p[len(p)-1] != '\n' {
			out = append(out, '\n')
		}
	}
	return out
}
