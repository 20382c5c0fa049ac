package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

func measurementClause(t *testing.T) *vse.Clause {
	t.Helper()
	m := make([]byte, 32)
	for i := range m {
		m[i] = byte(i)
	}
	e, err := vse.NewMeasurementEntity(m)
	require.NoError(t, err)
	c, err := vse.NewUnaryClause(e, vse.VerbIsTrusted)
	require.NoError(t, err)
	return c
}

func generate(t *testing.T, name string) *vse.Key {
	t.Helper()
	k, err := keys.Generate(keys.AlgRSA2048, name)
	require.NoError(t, err)
	return k
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	now := time.Now()
	_, err := New([]byte("x"), FormatVseClause, "", now, now.Add(-time.Second))
	assert.True(t, errors.IsValidationError(err))

	_, err = New(nil, FormatVseClause, "", now, now)
	assert.True(t, errors.IsValidationError(err))

	_, err = New(make([]byte, MaxClaimBytes+1), FormatVseClause, "", now, now)
	assert.True(t, errors.IsValidationError(err))

	c, err := New([]byte("x"), FormatVseClause, "", now, now)
	require.NoError(t, err, "zero-length window is allowed")
	assert.True(t, c.IsCurrentlyValid(c.NotBefore))
}

func TestIsCurrentlyValid(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	c, err := New([]byte("x"), FormatVseClause, "", now, now.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, c.IsCurrentlyValid(now))
	assert.True(t, c.IsCurrentlyValid(now.Add(time.Hour)))
	assert.False(t, c.IsCurrentlyValid(now.Add(-time.Microsecond)))
	assert.False(t, c.IsCurrentlyValid(now.Add(time.Hour+time.Microsecond)))

	assert.True(t, errors.IsTimeValidityError(c.CheckValidity(now.Add(-time.Second))))
	assert.True(t, errors.IsTimeValidityError(c.CheckValidity(now.Add(2*time.Hour))))
}

func TestClaimRoundTrip(t *testing.T) {
	now := time.Now()
	c, err := ForClause(measurementClause(t), "measurement policy", now, now.Add(24*time.Hour))
	require.NoError(t, err)

	data, err := c.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalClaim(data)
	require.NoError(t, err)

	assert.Equal(t, c.Format, decoded.Format)
	assert.Equal(t, c.Description, decoded.Description)
	assert.True(t, c.NotBefore.Equal(decoded.NotBefore))
	assert.True(t, c.NotAfter.Equal(decoded.NotAfter))

	clause, err := decoded.Clause()
	require.NoError(t, err)
	assert.True(t, clause.Equal(measurementClause(t)))
}

func TestSignVerify(t *testing.T) {
	signer := generate(t, "policy-key")
	other := generate(t, "other-key")
	now := time.Now()

	sc, err := SignClause(measurementClause(t), "", now, now.Add(time.Hour), signer)
	require.NoError(t, err)
	assert.False(t, sc.SigningKey.IsPrivate())

	assert.True(t, Verify(sc, signer.Public()))
	assert.False(t, Verify(sc, other.Public()), "wrong key")

	t.Run("flipped payload byte", func(t *testing.T) {
		tampered := *sc
		tampered.SerializedClaim = append([]byte(nil), sc.SerializedClaim...)
		tampered.SerializedClaim[len(tampered.SerializedClaim)/2] ^= 0x01
		assert.False(t, Verify(&tampered, signer.Public()))
	})

	t.Run("flipped signature byte", func(t *testing.T) {
		tampered := *sc
		tampered.Signature = append([]byte(nil), sc.Signature...)
		tampered.Signature[0] ^= 0x80
		assert.False(t, Verify(&tampered, signer.Public()))
	})

	t.Run("substituted signing key", func(t *testing.T) {
		tampered := *sc
		tampered.SigningKey = other.Public()
		assert.False(t, Verify(&tampered, signer.Public()))
	})

	t.Run("malformed", func(t *testing.T) {
		assert.False(t, Verify(nil, signer.Public()))
		assert.False(t, Verify(&SignedClaim{}, signer.Public()))
		assert.False(t, Verify(sc, nil))
	})
}

func TestSignRequiresSigningKey(t *testing.T) {
	signer := generate(t, "policy-key")
	now := time.Now()
	c, err := ForClause(measurementClause(t), "", now, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = Sign(c, signer.Public())
	assert.True(t, errors.IsSignatureError(err))
}

func TestSigningIsDeterministicOverClaimBytes(t *testing.T) {
	signer, err := keys.Generate(keys.AlgEd25519, "k")
	require.NoError(t, err)
	now := time.Now()
	c, err := ForClause(measurementClause(t), "", now, now.Add(time.Hour))
	require.NoError(t, err)

	a, err := Sign(c, signer)
	require.NoError(t, err)
	b, err := Sign(c, signer)
	require.NoError(t, err)
	assert.True(t, a.SameBytes(b))
}

func TestExpiredClaimRejected(t *testing.T) {
	signer := generate(t, "policy-key")
	now := time.Now()

	sc, err := SignClause(measurementClause(t), "", now.Add(-time.Hour), now.Add(-time.Second), signer)
	require.NoError(t, err)

	assert.True(t, Verify(sc, signer.Public()), "signature itself is fine")

	c, err := sc.Claim()
	require.NoError(t, err)
	assert.False(t, c.IsCurrentlyValid(now))

	_, err = VerifyAssertion(sc, signer.Public(), now)
	assert.True(t, errors.IsTimeValidityError(err))
}

func TestVerifyAssertion(t *testing.T) {
	signer := generate(t, "policy-key")
	now := time.Now()

	sc, err := SignClause(measurementClause(t), "", now.Add(-time.Minute), now.Add(time.Hour), signer)
	require.NoError(t, err)

	clause, err := VerifyAssertion(sc, signer.Public(), now)
	require.NoError(t, err)
	assert.Equal(t, vse.VerbIsTrusted, clause.Verb)

	_, err = VerifyAssertion(sc, generate(t, "x").Public(), now)
	assert.True(t, errors.IsSignatureError(err))

	attestation, err := New([]byte("report"), FormatVseAttestation, "", now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	signedAttestation, err := Sign(attestation, signer)
	require.NoError(t, err)
	_, err = VerifyAssertion(signedAttestation, signer.Public(), now)
	assert.True(t, errors.IsValidationError(err), "not a vse-clause claim")
}

func TestSignedClaimRoundTrip(t *testing.T) {
	signer := generate(t, "policy-key")
	now := time.Now()
	sc, err := SignClause(measurementClause(t), "d", now, now.Add(time.Hour), signer)
	require.NoError(t, err)

	data, err := sc.Marshal()
	require.NoError(t, err)
	decoded, err := UnmarshalSignedClaim(data)
	require.NoError(t, err)

	assert.True(t, Verify(decoded, signer.Public()))
	assert.True(t, decoded.SameBytes(sc))

	_, err = UnmarshalSignedClaim(nil)
	assert.True(t, errors.IsValidationError(err))
	_, err = UnmarshalSignedClaim([]byte{0x12, 0x05, 0x00})
	assert.True(t, errors.IsValidationError(err))
}
