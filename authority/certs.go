package authority

import (
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

// Admission certificate subject fields.
const (
	AdmissionOrganization = "CertifierUsers"
	admissionCNPrefix     = "Measured-"
)

// AdmissionCommonName is the subject CN of an admission certificate.
func AdmissionCommonName(measurement []byte) string {
	return admissionCNPrefix + hex.EncodeToString(measurement)
}

// predicateClaim signs "policyKey says (subject verb)".
func predicateClaim(policyKey, subject *vse.Key, verb string, notBefore, notAfter time.Time) (*claims.SignedClaim, error) {
	policy, err := vse.NewKeyEntity(policyKey)
	if err != nil {
		return nil, err
	}
	subj, err := vse.NewKeyEntity(subject)
	if err != nil {
		return nil, err
	}
	inner, err := vse.NewUnaryClause(subj, verb)
	if err != nil {
		return nil, err
	}
	stmt, err := vse.NewIndirectClause(policy, vse.VerbSays, inner)
	if err != nil {
		return nil, err
	}
	return claims.SignClause(stmt, verb, notBefore, notAfter, policyKey)
}

// issueAdmissionCert signs an admission certificate for subject. The
// certificate embeds "policyKey says (subject is-trusted-for-authentication)"
// valid for the same window.
func issueAdmissionCert(policyKey *vse.Key, policyCert *x509.Certificate, subject *vse.Key, measurement []byte, serial int64, notBefore, notAfter time.Time) ([]byte, error) {
	sc, err := predicateClaim(policyKey, subject, vse.VerbIsTrustedForAuthentication, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	ext, err := sc.Marshal()
	if err != nil {
		return nil, err
	}
	return keys.IssueLeaf(policyKey, policyCert, subject, keys.LeafOptions{
		CommonName:     AdmissionCommonName(measurement),
		Organization:   AdmissionOrganization,
		Serial:         serial,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
		PredicateClaim: ext,
	})
}

// issuePlatformRule signs "policyKey says (subject is-trusted-for-attestation)".
func issuePlatformRule(policyKey, subject *vse.Key, notBefore, notAfter time.Time) ([]byte, error) {
	sc, err := predicateClaim(policyKey, subject, vse.VerbIsTrustedForAttestation, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	return sc.Marshal()
}
