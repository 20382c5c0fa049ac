package authority

import (
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

// Material is the policy key and its self-signed root certificate.
type Material struct {
	PolicyKey  *vse.Key
	PolicyCert []byte
}

// NewMaterial generates a policy key and root certificate.
func NewMaterial(alg, commonName string, validity time.Duration) (*Material, error) {
	k, err := keys.Generate(alg, "policy-key")
	if err != nil {
		return nil, err
	}
	cert, err := keys.NewPolicyCert(k, commonName, time.Now().Add(-time.Minute), validity)
	if err != nil {
		return nil, err
	}
	return &Material{PolicyKey: k, PolicyCert: cert}, nil
}

// Save writes the policy key to keyPath, private to the owner, and the root
// certificate to certPath for distribution to every component.
func (m *Material) Save(keyPath, certPath string) error {
	for _, p := range []string{keyPath, certPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return errors.MarkIO(err, "failed to create authority directory")
		}
	}
	keyData, err := m.PolicyKey.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, keyData, 0o600); err != nil {
		return errors.MarkIO(err, "failed to write policy key")
	}
	if err := os.WriteFile(certPath, m.PolicyCert, 0o644); err != nil {
		return errors.MarkIO(err, "failed to write policy certificate")
	}
	return nil
}

// LoadMaterial reads material written by Save and checks that the
// certificate belongs to the key.
func LoadMaterial(keyPath, certPath string) (*Material, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.WithHint(errors.MarkIO(err, "failed to read policy key"),
			"run 'certifier authority init' first")
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.MarkIO(err, "failed to read policy certificate")
	}
	k, err := vse.UnmarshalKey(keyData)
	if err != nil {
		return nil, err
	}
	parsed, err := keys.ParseCertificate(cert)
	if err != nil {
		return nil, err
	}
	certKey, err := keys.KeyFromCertificate(parsed, "policy-key")
	if err != nil {
		return nil, err
	}
	if !certKey.SameKey(k) {
		return nil, errors.NewValidationf("policy certificate %s does not belong to the key in %s", certPath, keyPath)
	}
	return &Material{PolicyKey: k, PolicyCert: cert}, nil
}
