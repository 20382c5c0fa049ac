package enclave

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

// Files written by ProvisionSimulated.
const (
	PlatformKeyFile   = "platform_key_file.bin"
	AttestKeyFile     = "attest_key_file.bin"
	EndorsementFile   = "platform_attest_endorsement.bin"
	SealingSecretFile = "sealing_secret.bin"
)

// DefaultAttestationValidity is how long simulated attestations and
// endorsements remain valid.
const DefaultAttestationValidity = 365 * 24 * time.Hour

// DefaultMeasurement is the measurement a simulated enclave reports unless
// configured otherwise: the bytes 0 through 31.
func DefaultMeasurement() []byte {
	m := make([]byte, 32)
	for i := range m {
		m[i] = byte(i)
	}
	return m
}

// SimulatedConfig supplies the platform material of a simulated enclave.
type SimulatedConfig struct {
	ID            string
	Measurement   []byte
	SealingSecret []byte
	// PlatformKey and AttestKey are private keys
	PlatformKey *vse.Key
	AttestKey   *vse.Key
	// Endorsement is "platformKey says attestKey is-trusted-for-attestation"
	Endorsement *claims.SignedClaim
	Validity    time.Duration
	Now         func() time.Time
}

// Simulated is a software enclave. Its attestations are signed claims from
// an attestation key that a platform key has endorsed.
type Simulated struct {
	id          string
	measurement []byte
	sealer      *Sealer
	platformKey *vse.Key
	attestKey   *vse.Key
	endorsement *claims.SignedClaim
	validity    time.Duration
	now         func() time.Time
}

var _ Enclave = (*Simulated)(nil)

// NewSimulated builds a simulated enclave from explicit material.
func NewSimulated(cfg SimulatedConfig) (*Simulated, error) {
	if cfg.AttestKey == nil || !cfg.AttestKey.IsPrivate() {
		return nil, errors.NewValidationf("simulated enclave requires a private attestation key")
	}
	if cfg.PlatformKey == nil {
		return nil, errors.NewValidationf("simulated enclave requires a platform key")
	}
	if cfg.Endorsement == nil {
		return nil, errors.NewValidationf("simulated enclave requires a platform endorsement")
	}
	if !claims.Verify(cfg.Endorsement, cfg.PlatformKey.Public()) {
		return nil, errors.NewSignaturef("platform endorsement is not signed by the platform key")
	}

	sealer, err := NewSealer(cfg.SealingSecret)
	if err != nil {
		return nil, err
	}

	s := &Simulated{
		id:          cfg.ID,
		measurement: cfg.Measurement,
		sealer:      sealer,
		platformKey: cfg.PlatformKey.Public(),
		attestKey:   cfg.AttestKey,
		endorsement: cfg.Endorsement,
		validity:    cfg.Validity,
		now:         cfg.Now,
	}
	if len(s.measurement) == 0 {
		s.measurement = DefaultMeasurement()
	}
	if s.validity <= 0 {
		s.validity = DefaultAttestationValidity
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// GenerateSimulated creates a simulated enclave with fresh platform material.
func GenerateSimulated(id string) (*Simulated, error) {
	cfg, err := generateMaterial(time.Now())
	if err != nil {
		return nil, err
	}
	cfg.ID = id
	return NewSimulated(*cfg)
}

func generateMaterial(now time.Time) (*SimulatedConfig, error) {
	platformKey, err := keys.Generate(keys.AlgRSA2048, "platform-key")
	if err != nil {
		return nil, err
	}
	attestKey, err := keys.Generate(keys.AlgRSA2048, "attest-key")
	if err != nil {
		return nil, err
	}
	endorsement, err := Endorse(platformKey, attestKey.Public(), now, now.Add(DefaultAttestationValidity))
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "failed to generate sealing secret")
	}
	return &SimulatedConfig{
		SealingSecret: secret,
		PlatformKey:   platformKey,
		AttestKey:     attestKey,
		Endorsement:   endorsement,
	}, nil
}

// Endorse signs "platformKey says attestKey is-trusted-for-attestation".
func Endorse(platformKey, attestKey *vse.Key, notBefore, notAfter time.Time) (*claims.SignedClaim, error) {
	platform, err := vse.NewKeyEntity(platformKey)
	if err != nil {
		return nil, err
	}
	attest, err := vse.NewKeyEntity(attestKey)
	if err != nil {
		return nil, err
	}
	trusted, err := vse.NewUnaryClause(attest, vse.VerbIsTrustedForAttestation)
	if err != nil {
		return nil, err
	}
	says, err := vse.NewIndirectClause(platform, vse.VerbSays, trusted)
	if err != nil {
		return nil, err
	}
	return claims.SignClause(says, "platform-endorsement", notBefore, notAfter, platformKey)
}

// ProvisionSimulated generates platform material and writes it to dir.
// Existing files are overwritten.
func ProvisionSimulated(dir string) error {
	cfg, err := generateMaterial(time.Now())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.MarkIO(err, "failed to create enclave directory")
	}

	platform, err := cfg.PlatformKey.Marshal()
	if err != nil {
		return err
	}
	attest, err := cfg.AttestKey.Marshal()
	if err != nil {
		return err
	}
	endorsement, err := cfg.Endorsement.Marshal()
	if err != nil {
		return err
	}

	files := map[string][]byte{
		PlatformKeyFile:   platform,
		AttestKeyFile:     attest,
		EndorsementFile:   endorsement,
		SealingSecretFile: cfg.SealingSecret,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return errors.MarkIO(err, "failed to write "+name)
		}
	}
	return nil
}

// LoadSimulated reads material written by ProvisionSimulated.
func LoadSimulated(dir, id string) (*Simulated, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.WithHint(errors.MarkIO(err, "failed to read "+name),
				"run 'certifier enclave provision' to create simulated platform material")
		}
		return data, nil
	}

	platformData, err := read(PlatformKeyFile)
	if err != nil {
		return nil, err
	}
	attestData, err := read(AttestKeyFile)
	if err != nil {
		return nil, err
	}
	endorsementData, err := read(EndorsementFile)
	if err != nil {
		return nil, err
	}
	secret, err := read(SealingSecretFile)
	if err != nil {
		return nil, err
	}

	platformKey, err := vse.UnmarshalKey(platformData)
	if err != nil {
		return nil, err
	}
	attestKey, err := vse.UnmarshalKey(attestData)
	if err != nil {
		return nil, err
	}
	endorsement, err := claims.UnmarshalSignedClaim(endorsementData)
	if err != nil {
		return nil, err
	}

	return NewSimulated(SimulatedConfig{
		ID:            id,
		SealingSecret: secret,
		PlatformKey:   platformKey,
		AttestKey:     attestKey,
		Endorsement:   endorsement,
	})
}

func (s *Simulated) Type() string { return TypeSimulated }

func (s *Simulated) ID() string { return s.id }

func (s *Simulated) Measurement() ([]byte, error) {
	return append([]byte(nil), s.measurement...), nil
}

// PlatformKey returns the public platform key.
func (s *Simulated) PlatformKey() *vse.Key { return s.platformKey }

// Endorsement returns "platformKey says attestKey is-trusted-for-attestation".
func (s *Simulated) Endorsement() *claims.SignedClaim { return s.endorsement }

// AttestKey returns the public attestation key.
func (s *Simulated) AttestKey() *vse.Key { return s.attestKey.Public() }

func (s *Simulated) Seal(enclaveType, enclaveID string, plaintext []byte) ([]byte, error) {
	return s.sealer.Seal(enclaveType, enclaveID, plaintext)
}

func (s *Simulated) Unseal(enclaveType, enclaveID string, sealed []byte) ([]byte, error) {
	return s.sealer.Unseal(enclaveType, enclaveID, sealed)
}

func (s *Simulated) Attest(claim []byte) ([]byte, error) {
	if len(claim) == 0 {
		return nil, errors.NewValidationf("nothing to attest")
	}
	now := s.now()
	sc, err := evidence.SignReport(s.attestKey, s.Type(), s.measurement, claim, now, now.Add(s.validity))
	if err != nil {
		return nil, err
	}
	return sc.Marshal()
}

func (s *Simulated) Verify(expectedUserData, assertion []byte) ([]byte, error) {
	sc, err := claims.UnmarshalSignedClaim(assertion)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "malformed assertion")
	}
	signer, report, err := evidence.VerifyReport(sc, expectedUserData, s.now())
	if err != nil {
		return nil, err
	}
	if !signer.SameKey(s.attestKey) {
		return nil, errors.NewAttestationf("assertion is not signed by this platform's attestation key")
	}
	return report.Measurement, nil
}

func (s *Simulated) Evidence(userData, assertion []byte) (string, *evidence.Package, error) {
	endorsement, err := s.endorsement.Marshal()
	if err != nil {
		return "", nil, err
	}
	att := &evidence.Attestation{UserData: userData, Assertion: assertion}
	return evidence.PackagePlatformOnly, &evidence.Package{
		ProverType: evidence.ProverVse,
		Items: []evidence.Item{
			{Type: evidence.ItemSignedClaim, Serialized: endorsement},
			{Type: evidence.ItemVseAttestation, Serialized: att.Marshal()},
		},
	}, nil
}
