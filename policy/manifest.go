package policy

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// DefaultValidityDays applies when a manifest does not set validity_days.
const DefaultValidityDays = 365

// Manifest is the human-edited description of a policy (policy.toml):
//
//	validity_days = 365
//	measurements = ["000102...1f"]
//
//	[[platform]]
//	name = "simulated"
//	key_file = "provisioning/platform_key_file.bin"
type Manifest struct {
	ValidityDays int        `toml:"validity_days"`
	Measurements []string   `toml:"measurements"`
	Platforms    []Platform `toml:"platform"`

	// dir resolves relative key files
	dir string
}

// Platform names a platform key file whose key the policy trusts for
// attestation.
type Platform struct {
	Name    string `toml:"name"`
	KeyFile string `toml:"key_file"`
}

// LoadManifest parses a policy manifest. Unknown keys are rejected.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.MarkIO(err, "failed to read policy manifest")
		}
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse policy manifest %s", path), errors.ErrValidation)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		names := make([]string, len(undecoded))
		for i, k := range undecoded {
			names[i] = k.String()
		}
		return nil, errors.NewValidationf("unknown keys in policy manifest: %s", strings.Join(names, ", "))
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// Validity returns the statement lifetime.
func (m *Manifest) Validity() time.Duration {
	days := m.ValidityDays
	if days <= 0 {
		days = DefaultValidityDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Compile signs one statement per measurement and per platform key with
// policyKey, valid from now for the manifest's validity.
func Compile(m *Manifest, policyKey *vse.Key, now time.Time) ([]*claims.SignedClaim, error) {
	if policyKey == nil || !policyKey.IsPrivate() {
		return nil, errors.NewSignaturef("compiling a policy requires the private policy key")
	}
	policy, err := vse.NewKeyEntity(policyKey)
	if err != nil {
		return nil, err
	}
	notAfter := now.Add(m.Validity())

	var out []*claims.SignedClaim
	sign := func(subject *vse.Entity, verb, description string) error {
		inner, err := vse.NewUnaryClause(subject, verb)
		if err != nil {
			return err
		}
		stmt, err := vse.NewIndirectClause(policy, vse.VerbSays, inner)
		if err != nil {
			return err
		}
		sc, err := claims.SignClause(stmt, description, now, notAfter, policyKey)
		if err != nil {
			return err
		}
		out = append(out, sc)
		return nil
	}

	for _, h := range m.Measurements {
		raw, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "measurement %q is not hex", h), errors.ErrValidation)
		}
		ent, err := vse.NewMeasurementEntity(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "measurement %q", h)
		}
		if err := sign(ent, vse.VerbIsTrusted, "trusted measurement"); err != nil {
			return nil, err
		}
	}

	for _, p := range m.Platforms {
		key, err := m.loadPlatformKey(p)
		if err != nil {
			return nil, err
		}
		ent, err := vse.NewKeyEntity(key)
		if err != nil {
			return nil, err
		}
		if err := sign(ent, vse.VerbIsTrustedForAttestation, "trusted platform "+p.Name); err != nil {
			return nil, err
		}
	}

	if len(out) == 0 {
		return nil, errors.NewValidationf("policy manifest names no measurements or platforms")
	}
	return out, nil
}

func (m *Manifest) loadPlatformKey(p Platform) (*vse.Key, error) {
	if p.KeyFile == "" {
		return nil, errors.NewValidationf("platform %q has no key_file", p.Name)
	}
	path := p.KeyFile
	if !filepath.IsAbs(path) && m.dir != "" {
		path = filepath.Join(m.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.MarkIO(err, "failed to read platform key "+p.Name)
	}
	key, err := vse.UnmarshalKey(data)
	if err != nil {
		return nil, errors.Wrapf(err, "platform key %s", p.Name)
	}
	return key.Public(), nil
}

// SaveManifest writes m as TOML to path. Existing files are overwritten.
func SaveManifest(path string, m *Manifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return errors.Wrap(err, "failed to encode policy manifest")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.MarkIO(err, "failed to create manifest directory")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.MarkIO(err, "failed to write policy manifest")
	}
	return nil
}
