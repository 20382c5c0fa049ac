package enclave

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

func newSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return s
}

func TestSealFraming(t *testing.T) {
	s := newSealer(t)
	plaintext := []byte("policy store contents")

	sealed, err := s.Seal(TypeSimulated, "app-1", plaintext)
	require.NoError(t, err)

	require.Len(t, sealed, 4+16+len(plaintext))
	assert.Equal(t, uint32(len(plaintext)), binary.LittleEndian.Uint32(sealed[:4]))
	assert.NotEqual(t, plaintext, sealed[20:], "ciphertext differs from plaintext")

	opened, err := s.Unseal(TypeSimulated, "app-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealEmptyPlaintext(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal(TypeSimulated, "app-1", nil)
	require.NoError(t, err)
	assert.Len(t, sealed, 20)

	opened, err := s.Unseal(TypeSimulated, "app-1", sealed)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestUnsealRejectsTampering(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal(TypeSimulated, "app-1", []byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped ciphertext", func(b []byte) []byte { b[len(b)-1] ^= 1; return b }},
		{"flipped tag", func(b []byte) []byte { b[5] ^= 1; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }},
		{"short header", func(b []byte) []byte { return b[:10] }},
		{"inflated length", func(b []byte) []byte { binary.LittleEndian.PutUint32(b, 1<<30); return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := tt.mutate(append([]byte(nil), sealed...))
			_, err := s.Unseal(TypeSimulated, "app-1", blob)
			assert.True(t, errors.IsValidationError(err))
		})
	}

	_, err = s.Unseal(TypeSimulated, "app-2", sealed)
	assert.True(t, errors.IsValidationError(err), "bound to enclave id")

	other, err := NewSealer([]byte("another secret of sufficient size"))
	require.NoError(t, err)
	_, err = other.Unseal(TypeSimulated, "app-1", sealed)
	assert.True(t, errors.IsValidationError(err), "bound to platform secret")
}

func TestNewSealerRejectsShortSecret(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.True(t, errors.IsValidationError(err))
}

func TestSimulatedAttestVerify(t *testing.T) {
	enc, err := GenerateSimulated("app-1")
	require.NoError(t, err)

	m, err := enc.Measurement()
	require.NoError(t, err)
	assert.Equal(t, DefaultMeasurement(), m)

	userData := []byte("serialized user data")
	assertion, err := enc.Attest(userData)
	require.NoError(t, err)

	got, err := enc.Verify(userData, assertion)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = enc.Verify([]byte("other user data"), assertion)
	assert.True(t, errors.IsAttestationError(err))

	_, err = enc.Verify(userData, []byte("garbage"))
	assert.True(t, errors.IsAttestationError(err))

	// A different platform's attestation key is not accepted
	other, err := GenerateSimulated("app-1")
	require.NoError(t, err)
	foreign, err := other.Attest(userData)
	require.NoError(t, err)
	_, err = enc.Verify(userData, foreign)
	assert.True(t, errors.IsAttestationError(err))
}

func TestSimulatedEvidence(t *testing.T) {
	enc, err := GenerateSimulated("app-1")
	require.NoError(t, err)

	userData := []byte("user data")
	assertion, err := enc.Attest(userData)
	require.NoError(t, err)

	kind, pkg, err := enc.Evidence(userData, assertion)
	require.NoError(t, err)
	assert.Equal(t, evidence.PackagePlatformOnly, kind)
	assert.Equal(t, evidence.ProverVse, pkg.ProverType)
	require.Len(t, pkg.Items, 2)
	assert.Equal(t, evidence.ItemSignedClaim, pkg.Items[0].Type)
	assert.Equal(t, evidence.ItemVseAttestation, pkg.Items[1].Type)

	endorsement, err := claims.UnmarshalSignedClaim(pkg.Items[0].Serialized)
	require.NoError(t, err)
	clause, err := claims.VerifyAssertion(endorsement, enc.PlatformKey(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, vse.VerbSays, clause.Verb)
	assert.True(t, clause.Clause.Subject.Key.SameKey(enc.AttestKey()))
	assert.Equal(t, vse.VerbIsTrustedForAttestation, clause.Clause.Verb)
}

func TestProvisionAndLoadSimulated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ProvisionSimulated(dir))

	for _, name := range []string{PlatformKeyFile, AttestKeyFile, EndorsementFile, SealingSecretFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), name)
	}

	a, err := LoadSimulated(dir, "app-1")
	require.NoError(t, err)
	b, err := LoadSimulated(dir, "app-1")
	require.NoError(t, err)

	sealed, err := a.Seal(TypeSimulated, "app-1", []byte("state"))
	require.NoError(t, err)
	opened, err := b.Unseal(TypeSimulated, "app-1", sealed)
	require.NoError(t, err, "same provisioned platform unseals")
	assert.Equal(t, []byte("state"), opened)
	assert.True(t, a.PlatformKey().SameKey(b.PlatformKey()))

	_, err = LoadSimulated(t.TempDir(), "app-1")
	assert.True(t, errors.IsIOError(err))
}

func TestNewSimulatedRejectsForeignEndorsement(t *testing.T) {
	cfg, err := generateMaterial(time.Now())
	require.NoError(t, err)

	otherPlatform, err := keys.Generate(keys.AlgEd25519, "other-platform")
	require.NoError(t, err)
	cfg.PlatformKey = otherPlatform

	_, err = NewSimulated(*cfg)
	assert.True(t, errors.IsSignatureError(err))
}

func quoteFor(version uint16, mrEnclave byte, userData []byte) []byte {
	var mr, signer [32]byte
	for i := range mr {
		mr[i] = mrEnclave
	}
	var rd [64]byte
	sum := sha256.Sum256(userData)
	copy(rd[:], sum[:])
	return BuildQuoteBody(version, mr, signer, rd)
}

func TestParseQuote(t *testing.T) {
	for _, v := range []uint16{QuoteVersionEPID, QuoteVersionDCAP} {
		q, err := ParseQuote(quoteFor(v, 0xaa, []byte("x")))
		require.NoError(t, err)
		assert.Equal(t, v, q.Version)
		assert.Equal(t, byte(0xaa), q.MrEnclave[0])
		assert.Equal(t, byte(0xaa), q.MrEnclave[31])
	}

	for _, v := range []uint16{0, 1, 4, 5} {
		_, err := ParseQuote(quoteFor(v, 0xaa, []byte("x")))
		assert.True(t, errors.IsAttestationError(err), "version %d", v)
	}

	_, err := ParseQuote(make([]byte, QuoteMinSize-1))
	assert.True(t, errors.IsAttestationError(err))
}

func TestQuoteOffsets(t *testing.T) {
	raw := make([]byte, QuoteMinSize)
	binary.LittleEndian.PutUint16(raw, 3)
	raw[112] = 0x11 // first byte of MRENCLAVE
	raw[176] = 0x22 // first byte of MRSIGNER
	raw[368] = 0x33 // first byte of report data

	q, err := ParseQuote(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), q.MrEnclave[0])
	assert.Equal(t, byte(0x22), q.MrSigner[0])
	assert.Equal(t, byte(0x33), q.ReportData[0])
}

type fakeQuoteVerifier struct {
	key *vse.Key
	err error
}

func (f *fakeQuoteVerifier) VerifyQuote(*Quote) (*vse.Key, error) { return f.key, f.err }

func TestGramine(t *testing.T) {
	dir := t.TempDir()
	userData := []byte("gramine user data")

	sealKey := filepath.Join(dir, "seal_key")
	require.NoError(t, os.WriteFile(sealKey, []byte("0123456789abcdef"), 0o600))
	quotePath := filepath.Join(dir, "quote")
	require.NoError(t, os.WriteFile(quotePath, quoteFor(QuoteVersionDCAP, 0x5a, userData), 0o600))

	platformKey, err := keys.Generate(keys.AlgEd25519, "intel")
	require.NoError(t, err)

	g, err := NewGramine(GramineConfig{
		ID:                 "app-1",
		UserReportDataPath: filepath.Join(dir, "user_report_data"),
		QuotePath:          quotePath,
		SealKeyPath:        sealKey,
		Verifier:           &fakeQuoteVerifier{key: platformKey.Public()},
	})
	require.NoError(t, err)

	assertion, err := g.Attest(userData)
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(dir, "user_report_data"))
	require.NoError(t, err)
	sum := sha256.Sum256(userData)
	assert.Equal(t, sum[:], written[:32])

	m, err := g.Verify(userData, assertion)
	require.NoError(t, err)
	assert.Equal(t, byte(0x5a), m[0])

	_, err = g.Verify([]byte("other"), assertion)
	assert.True(t, errors.IsAttestationError(err))

	measurement, err := g.Measurement()
	require.NoError(t, err)
	assert.Equal(t, m, measurement)

	sealed, err := g.Seal(TypeGramine, "app-1", []byte("s"))
	require.NoError(t, err)
	opened, err := g.Unseal(TypeGramine, "app-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), opened)

	kind, pkg, err := g.Evidence(userData, assertion)
	require.NoError(t, err)
	assert.Equal(t, evidence.PackageGramine, kind)
	require.Len(t, pkg.Items, 1)
	assert.Equal(t, evidence.ItemGramineAttestation, pkg.Items[0].Type)
}

func TestGramineWithoutVerifier(t *testing.T) {
	dir := t.TempDir()
	userData := []byte("u")
	sealKey := filepath.Join(dir, "seal_key")
	require.NoError(t, os.WriteFile(sealKey, []byte("0123456789abcdef"), 0o600))
	quotePath := filepath.Join(dir, "quote")
	require.NoError(t, os.WriteFile(quotePath, quoteFor(QuoteVersionEPID, 1, userData), 0o600))

	g, err := NewGramine(GramineConfig{
		UserReportDataPath: filepath.Join(dir, "urd"),
		QuotePath:          quotePath,
		SealKeyPath:        sealKey,
	})
	require.NoError(t, err)

	assertion, err := g.Attest(userData)
	require.NoError(t, err)
	_, err = g.Verify(userData, assertion)
	assert.True(t, errors.IsAttestationError(err))

	_, err = NewGramine(GramineConfig{SealKeyPath: filepath.Join(dir, "missing")})
	assert.True(t, errors.IsIOError(err))
}
