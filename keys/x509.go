package keys

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// OIDPredicateClaim identifies the certificate extension carrying the
// serialized signed claim that justified issuing the certificate.
var OIDPredicateClaim = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59316, 1, 1}

// MaxCertificateBytes bounds DER certificates accepted from the outside.
const MaxCertificateBytes = 64 << 10

// ParseCertificate decodes a DER certificate.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, errors.NewValidationf("certificate is empty")
	}
	if len(der) > MaxCertificateBytes {
		return nil, errors.NewValidationf("certificate of %d bytes exceeds %d", len(der), MaxCertificateBytes)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed certificate"), errors.ErrValidation)
	}
	return cert, nil
}

// KeyFromCertificate returns the certificate's public key as a vse.Key with
// the certificate attached.
func KeyFromCertificate(cert *x509.Certificate, name string) (*vse.Key, error) {
	k, err := FromPublic(name, cert.PublicKey)
	if err != nil {
		return nil, err
	}
	k.Certificate = append([]byte(nil), cert.Raw...)
	return k, nil
}

// CheckCertValidity reports a time validity error when now falls outside the
// certificate's window.
func CheckCertValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return errors.NewTimeValidityf("certificate %q not valid before %s", cert.Subject.CommonName, cert.NotBefore.UTC().Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return errors.NewTimeValidityf("certificate %q expired at %s", cert.Subject.CommonName, cert.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

// NewPolicyCert creates the self-signed root certificate for a policy key.
func NewPolicyCert(policyKey *vse.Key, commonName string, notBefore time.Time, validity time.Duration) ([]byte, error) {
	signer, err := Signer(policyKey)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"CertifierPolicy"},
		},
		NotBefore:             notBefore.UTC(),
		NotAfter:              notBefore.Add(validity).UTC(),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to self-sign policy certificate"), errors.ErrSignature)
	}
	return der, nil
}

// LeafOptions describes a certificate issued under the policy root.
type LeafOptions struct {
	CommonName   string
	Organization string
	Serial       int64
	NotBefore    time.Time
	NotAfter     time.Time
	// PredicateClaim is embedded under OIDPredicateClaim when set
	PredicateClaim []byte
}

// IssueLeaf signs a certificate for subject with the issuer key.
func IssueLeaf(issuerKey *vse.Key, issuer *x509.Certificate, subject *vse.Key, opts LeafOptions) ([]byte, error) {
	signer, err := Signer(issuerKey)
	if err != nil {
		return nil, err
	}
	subjectPub, err := PublicKey(subject)
	if err != nil {
		return nil, err
	}
	if opts.Serial <= 0 {
		return nil, errors.NewValidationf("certificate serial must be positive")
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(opts.Serial),
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             opts.NotBefore.UTC(),
		NotAfter:              opts.NotAfter.UTC(),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if len(opts.PredicateClaim) > 0 {
		template.ExtraExtensions = []pkix.Extension{{
			Id:    OIDPredicateClaim,
			Value: opts.PredicateClaim,
		}}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, issuer, subjectPub, signer)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to sign certificate"), errors.ErrSignature)
	}
	return der, nil
}

// PredicateClaim returns the embedded predicate claim extension, if any.
func PredicateClaim(cert *x509.Certificate) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDPredicateClaim) {
			return ext.Value, true
		}
	}
	return nil, false
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}
	return serial.Add(serial, big.NewInt(1)), nil
}
