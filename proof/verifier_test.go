package proof

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/evidence"
	"github.com/teranos/certifier/vse"
)

type fakePolicy struct {
	measurements map[string]*claims.SignedClaim
	platforms    map[string]*claims.SignedClaim
}

func newFakePolicy() *fakePolicy {
	return &fakePolicy{
		measurements: map[string]*claims.SignedClaim{},
		platforms:    map[string]*claims.SignedClaim{},
	}
}

func (f *fakePolicy) ForMeasurement(m []byte) *claims.SignedClaim {
	return f.measurements[string(m)]
}

func (f *fakePolicy) ForPlatformKey(k *vse.Key) *claims.SignedClaim {
	return f.platforms[k.Fingerprint()]
}

func signPolicy(t *testing.T, policyKey *vse.Key, inner *vse.Clause, notAfter time.Time) *claims.SignedClaim {
	t.Helper()
	stmt := says(t, keyEnt(t, policyKey), inner)
	sc, err := claims.SignClause(stmt, "policy", time.Now().Add(-time.Hour), notAfter, policyKey)
	require.NoError(t, err)
	return sc
}

type fixture struct {
	policyKey  *vse.Key
	enclaveKey *vse.Key
	sim        *enclave.Simulated
	policy     *fakePolicy
	userData   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim, err := enclave.GenerateSimulated("test-enclave")
	require.NoError(t, err)
	f := &fixture{
		policyKey:  newKey(t, "policy-key"),
		enclaveKey: newKey(t, "enclave-key"),
		sim:        sim,
		policy:     newFakePolicy(),
	}
	m, err := sim.Measurement()
	require.NoError(t, err)
	later := time.Now().Add(time.Hour)
	f.policy.measurements[string(m)] = signPolicy(t, f.policyKey, unary(t, measurementEnt(t, m), vse.VerbIsTrusted), later)
	f.policy.platforms[sim.PlatformKey().Fingerprint()] = signPolicy(t, f.policyKey,
		unary(t, keyEnt(t, sim.PlatformKey()), vse.VerbIsTrustedForAttestation), later)

	ud := &evidence.UserData{
		EnclaveType: sim.Type(),
		EnclaveKey:  f.enclaveKey,
		PolicyKey:   f.policyKey.Public(),
		Time:        time.Now(),
	}
	f.userData, err = ud.Marshal()
	require.NoError(t, err)
	return f
}

func (f *fixture) verifier() *Verifier {
	return &Verifier{
		PolicyKey: f.policyKey.Public(),
		Index:     dominance.NewDefault(),
		Policy:    f.policy,
	}
}

func (f *fixture) simulatedEvidence(t *testing.T) (string, *evidence.Package) {
	t.Helper()
	assertion, err := f.sim.Attest(f.userData)
	require.NoError(t, err)
	pt, pkg, err := f.sim.Evidence(f.userData, assertion)
	require.NoError(t, err)
	return pt, pkg
}

func TestValidatePlatformOnly(t *testing.T) {
	f := newFixture(t)
	pt, pkg := f.simulatedEvidence(t)
	require.Equal(t, evidence.PackagePlatformOnly, pt)

	res, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
	require.NoError(t, err)
	assert.True(t, res.EnclaveKey.SameKey(f.enclaveKey))
	m, _ := f.sim.Measurement()
	assert.Equal(t, m, res.Measurement)
	assert.True(t, res.Conclusion.Equal(unary(t, keyEnt(t, f.enclaveKey), vse.VerbIsTrustedForAuthentication)))

	res, err = f.verifier().Validate(pt, pkg, PurposeAttestation)
	require.NoError(t, err)
	assert.Equal(t, vse.VerbIsTrustedForAttestation, res.Conclusion.Verb)
}

func TestValidateFullVse(t *testing.T) {
	f := newFixture(t)
	_, pkg := f.simulatedEvidence(t)
	m, _ := f.sim.Measurement()

	for _, sc := range []*claims.SignedClaim{
		f.policy.ForMeasurement(m),
		f.policy.ForPlatformKey(f.sim.PlatformKey()),
	} {
		data, err := sc.Marshal()
		require.NoError(t, err)
		pkg.Items = append(pkg.Items, evidence.Item{Type: evidence.ItemSignedClaim, Serialized: data})
	}

	v := f.verifier()
	v.Policy = nil
	_, err := v.Validate(evidence.PackageFullVse, pkg, PurposeAuthentication)
	require.NoError(t, err)
}

func TestValidateAugmented(t *testing.T) {
	f := newFixture(t)
	_, pkg := f.simulatedEvidence(t)
	// Drop the platform endorsement; the policy names the attestation key directly
	pkg.Items = pkg.Items[1:]
	f.policy.platforms = map[string]*claims.SignedClaim{
		f.sim.AttestKey().Fingerprint(): signPolicy(t, f.policyKey,
			unary(t, keyEnt(t, f.sim.AttestKey()), vse.VerbIsTrustedForAttestation), time.Now().Add(time.Hour)),
	}

	_, err := f.verifier().Validate(evidence.PackageAugmentedPlatform, pkg, PurposeAuthentication)
	require.NoError(t, err)
}

type stubQuotes struct{ platformKey *vse.Key }

func (s stubQuotes) VerifyQuote(*enclave.Quote) (*vse.Key, error) { return s.platformKey, nil }

func TestValidateGramine(t *testing.T) {
	f := newFixture(t)
	platformKey := newKey(t, "sgx-platform")
	var mr, signer [32]byte
	copy(mr[:], []byte("gramine-measurement-0123456789ab"))
	var rd [64]byte
	sum := sha256.Sum256(f.userData)
	copy(rd[:], sum[:])
	quote := enclave.BuildQuoteBody(enclave.QuoteVersionDCAP, mr, signer, rd)

	att := &evidence.Attestation{UserData: f.userData, Assertion: quote}
	pkg := &evidence.Package{
		ProverType: evidence.ProverVse,
		Items:      []evidence.Item{{Type: evidence.ItemGramineAttestation, Serialized: att.Marshal()}},
	}
	later := time.Now().Add(time.Hour)
	f.policy.measurements[string(mr[:])] = signPolicy(t, f.policyKey, unary(t, measurementEnt(t, mr[:]), vse.VerbIsTrusted), later)
	f.policy.platforms[platformKey.Fingerprint()] = signPolicy(t, f.policyKey,
		unary(t, keyEnt(t, platformKey), vse.VerbIsTrustedForAttestation), later)

	v := f.verifier()
	v.Quotes = stubQuotes{platformKey: platformKey.Public()}
	res, err := v.Validate(evidence.PackageGramine, pkg, PurposeAuthentication)
	require.NoError(t, err)
	assert.Equal(t, mr[:], res.Measurement)

	v.Quotes = nil
	_, err = v.Validate(evidence.PackageGramine, pkg, PurposeAuthentication)
	assert.True(t, errors.IsAttestationError(err))
}

func TestValidateRefusals(t *testing.T) {
	t.Run("wrong prover", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		pkg.ProverType = "oe-verifier"
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("unknown package type", func(t *testing.T) {
		f := newFixture(t)
		_, pkg := f.simulatedEvidence(t)
		_, err := f.verifier().Validate("sev-evidence", pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("measurement not in policy", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		f.policy.measurements = map[string]*claims.SignedClaim{}
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("platform not in policy", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		f.policy.platforms = map[string]*claims.SignedClaim{}
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("expired policy statement", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		m, _ := f.sim.Measurement()
		f.policy.measurements[string(m)] = signPolicy(t, f.policyKey,
			unary(t, measurementEnt(t, m), vse.VerbIsTrusted), time.Now().Add(-time.Second))
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsTimeValidityError(err))
	})

	t.Run("policy statement signed by another key", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		m, _ := f.sim.Measurement()
		f.policy.measurements[string(m)] = signPolicy(t, newKey(t, "impostor"),
			unary(t, measurementEnt(t, m), vse.VerbIsTrusted), time.Now().Add(time.Hour))
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsSignatureError(err))
	})

	t.Run("user data names another policy key", func(t *testing.T) {
		f := newFixture(t)
		ud := &evidence.UserData{EnclaveType: f.sim.Type(), EnclaveKey: f.enclaveKey, PolicyKey: newKey(t, "other").Public(), Time: time.Now()}
		var err error
		f.userData, err = ud.Marshal()
		require.NoError(t, err)
		pt, pkg := f.simulatedEvidence(t)
		_, err = f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("two attestations", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		pkg.Items = append(pkg.Items, pkg.Items[1])
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("no attestation", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		pkg.Items = pkg.Items[:1]
		_, err := f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})

	t.Run("signed claim not by its signer", func(t *testing.T) {
		f := newFixture(t)
		pt, pkg := f.simulatedEvidence(t)
		other := newKey(t, "other")
		stmt := says(t, keyEnt(t, f.sim.PlatformKey()), unary(t, keyEnt(t, f.sim.AttestKey()), vse.VerbIsTrustedForAttestation))
		sc, err := claims.SignClause(stmt, "forged", time.Now().Add(-time.Minute), time.Now().Add(time.Hour), other)
		require.NoError(t, err)
		data, err := sc.Marshal()
		require.NoError(t, err)
		pkg.Items[0].Serialized = data
		_, err = f.verifier().Validate(pt, pkg, PurposeAuthentication)
		assert.True(t, errors.IsAttestationError(err))
	})
}
