package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
)

func TestPackageRoundTrip(t *testing.T) {
	p := &Package{
		ProverType: ProverVse,
		Items: []Item{
			{Type: ItemSignedClaim, Serialized: []byte{1, 2, 3}},
			{Type: ItemVseAttestation, Serialized: []byte{4}},
		},
	}

	decoded, err := UnmarshalPackage(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

func TestPackageItemLimit(t *testing.T) {
	p := &Package{ProverType: ProverVse}
	for i := 0; i <= MaxItems; i++ {
		p.Items = append(p.Items, Item{Type: ItemSignedClaim, Serialized: []byte{byte(i)}})
	}
	_, err := UnmarshalPackage(p.Marshal())
	assert.True(t, errors.IsValidationError(err))
}

func TestUserDataRoundTrip(t *testing.T) {
	enclaveKey, err := keys.Generate(keys.AlgEd25519, "enclave-key")
	require.NoError(t, err)
	policyKey, err := keys.Generate(keys.AlgEd25519, "policy-key")
	require.NoError(t, err)

	u := &UserData{
		EnclaveType: "simulated-enclave",
		EnclaveKey:  enclaveKey,
		PolicyKey:   policyKey.Public(),
		Time:        time.Now().UTC().Truncate(time.Microsecond),
	}
	data, err := u.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalUserData(data)
	require.NoError(t, err)
	assert.Equal(t, u.EnclaveType, decoded.EnclaveType)
	assert.True(t, decoded.EnclaveKey.SameKey(enclaveKey))
	assert.False(t, decoded.EnclaveKey.IsPrivate(), "private half never leaves the enclave")
	assert.True(t, decoded.PolicyKey.SameKey(policyKey))
	assert.True(t, u.Time.Equal(decoded.Time))

	_, err = (&UserData{}).Marshal()
	assert.True(t, errors.IsValidationError(err))
}

func TestSignAndVerifyReport(t *testing.T) {
	attestKey, err := keys.Generate(keys.AlgRSA2048, "attest-key")
	require.NoError(t, err)
	now := time.Now()
	measurement := []byte{0, 1, 2, 3}
	userData := []byte("user data")

	sc, err := SignReport(attestKey, "simulated-enclave", measurement, userData, now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)

	signer, report, err := VerifyReport(sc, userData, now)
	require.NoError(t, err)
	assert.True(t, signer.SameKey(attestKey))
	assert.Equal(t, measurement, report.Measurement)

	_, _, err = VerifyReport(sc, []byte("other"), now)
	assert.True(t, errors.IsAttestationError(err))

	_, _, err = VerifyReport(sc, userData, now.Add(2*time.Hour))
	assert.True(t, errors.IsTimeValidityError(err))

	tampered := *sc
	tampered.Signature = append([]byte(nil), sc.Signature...)
	tampered.Signature[3] ^= 0xff
	_, _, err = VerifyReport(&tampered, userData, now)
	assert.True(t, errors.IsSignatureError(err))
}

func TestVerifyReportRejectsClauseClaims(t *testing.T) {
	k, err := keys.Generate(keys.AlgEd25519, "k")
	require.NoError(t, err)
	now := time.Now()
	c, err := claims.New([]byte("not a report"), claims.FormatVseClause, "", now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	sc, err := claims.Sign(c, k)
	require.NoError(t, err)

	_, _, err = VerifyReport(sc, []byte("x"), now)
	assert.True(t, errors.IsAttestationError(err))
}

func TestAttestationRequiresBothParts(t *testing.T) {
	a := &Attestation{UserData: []byte("u"), Assertion: []byte("a")}
	decoded, err := UnmarshalAttestation(a.Marshal())
	require.NoError(t, err)
	assert.Equal(t, a, decoded)

	_, err = UnmarshalAttestation((&Attestation{UserData: []byte("u")}).Marshal())
	assert.True(t, errors.IsValidationError(err))
}
