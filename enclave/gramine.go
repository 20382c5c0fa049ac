package enclave

import (
	"crypto/sha256"
	"os"
	"sync"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
)

// Gramine pseudo-files.
const (
	DefaultUserReportDataPath = "/dev/attestation/user_report_data"
	DefaultQuotePath          = "/dev/attestation/quote"
	DefaultSealKeyPath        = "/dev/attestation/keys/_sgx_mrenclave"
)

// GramineConfig locates the Gramine attestation pseudo-files.
type GramineConfig struct {
	ID                 string
	UserReportDataPath string
	QuotePath          string
	SealKeyPath        string
	// Verifier authenticates quotes; without one Verify always fails
	Verifier QuoteVerifier
}

// Gramine talks to the Gramine attestation interface under /dev/attestation.
type Gramine struct {
	cfg    GramineConfig
	sealer *Sealer

	// Serialises user_report_data writes with the quote read that follows
	mu          sync.Mutex
	measurement []byte
}

var _ Enclave = (*Gramine)(nil)

// NewGramine reads the sealing key and prepares the attestation paths.
func NewGramine(cfg GramineConfig) (*Gramine, error) {
	if cfg.UserReportDataPath == "" {
		cfg.UserReportDataPath = DefaultUserReportDataPath
	}
	if cfg.QuotePath == "" {
		cfg.QuotePath = DefaultQuotePath
	}
	if cfg.SealKeyPath == "" {
		cfg.SealKeyPath = DefaultSealKeyPath
	}

	secret, err := os.ReadFile(cfg.SealKeyPath)
	if err != nil {
		return nil, errors.MarkIO(err, "failed to read gramine sealing key")
	}
	sealer, err := NewSealer(secret)
	for i := range secret {
		secret[i] = 0
	}
	if err != nil {
		return nil, err
	}
	return &Gramine{cfg: cfg, sealer: sealer}, nil
}

func (g *Gramine) Type() string { return TypeGramine }

func (g *Gramine) ID() string { return g.cfg.ID }

// Measurement returns MRENCLAVE from a quote over an empty claim.
func (g *Gramine) Measurement() ([]byte, error) {
	g.mu.Lock()
	cached := g.measurement
	g.mu.Unlock()
	if cached != nil {
		return append([]byte(nil), cached...), nil
	}

	raw, err := g.quote([]byte("measurement"))
	if err != nil {
		return nil, err
	}
	q, err := ParseQuote(raw)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.measurement = append([]byte(nil), q.MrEnclave[:]...)
	g.mu.Unlock()
	return append([]byte(nil), q.MrEnclave[:]...), nil
}

func (g *Gramine) Seal(enclaveType, enclaveID string, plaintext []byte) ([]byte, error) {
	return g.sealer.Seal(enclaveType, enclaveID, plaintext)
}

func (g *Gramine) Unseal(enclaveType, enclaveID string, sealed []byte) ([]byte, error) {
	return g.sealer.Unseal(enclaveType, enclaveID, sealed)
}

func (g *Gramine) Attest(claim []byte) ([]byte, error) {
	if len(claim) == 0 {
		return nil, errors.NewValidationf("nothing to attest")
	}
	raw, err := g.quote(claim)
	if err != nil {
		return nil, err
	}
	// Reject anything the authority would reject before shipping it
	if _, err := ParseQuote(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (g *Gramine) quote(claim []byte) ([]byte, error) {
	var reportData [reportDataSize]byte
	sum := sha256.Sum256(claim)
	copy(reportData[:], sum[:])

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.WriteFile(g.cfg.UserReportDataPath, reportData[:], 0o600); err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "failed to write user report data")
	}
	raw, err := os.ReadFile(g.cfg.QuotePath)
	if err != nil {
		return nil, errors.MarkAs(err, errors.ErrAttestation, "failed to read quote")
	}
	return raw, nil
}

func (g *Gramine) Verify(expectedUserData, assertion []byte) ([]byte, error) {
	_, q, err := VerifyQuote(assertion, expectedUserData, g.cfg.Verifier)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), q.MrEnclave[:]...), nil
}

func (g *Gramine) Evidence(userData, assertion []byte) (string, *evidence.Package, error) {
	att := &evidence.Attestation{UserData: userData, Assertion: assertion}
	return evidence.PackageGramine, &evidence.Package{
		ProverType: evidence.ProverVse,
		Items: []evidence.Item{
			{Type: evidence.ItemGramineAttestation, Serialized: att.Marshal()},
		},
	}, nil
}
