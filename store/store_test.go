package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/enclave"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

func sampleStore(t *testing.T) *Store {
	t.Helper()
	priv, err := keys.Generate(keys.AlgEd25519, "enclave-key")
	require.NoError(t, err)
	policyKey, err := keys.Generate(keys.AlgEd25519, "policy-key")
	require.NoError(t, err)

	ent, err := vse.NewKeyEntity(priv)
	require.NoError(t, err)
	c, err := vse.NewUnaryClause(ent, vse.VerbIsTrustedForAttestation)
	require.NoError(t, err)
	rule, err := claims.SignClause(c, "platform-rule", time.Now(), time.Now().Add(time.Hour), policyKey)
	require.NoError(t, err)

	return &Store{
		PolicyCert:   []byte("policy cert der"),
		PrivateKey:   priv,
		SymmetricKey: []byte("0123456789abcdef0123456789abcdef"),
		Algorithms: Algorithms{
			PublicKey: keys.AlgEd25519,
			Symmetric: "aes-256",
			Hash:      "sha-256",
			HMAC:      "sha-256-hmac",
		},
		AdmissionCert: []byte("admission cert der"),
		PlatformRule:  rule,
		Facts:         []dominance.Edge{{Root: "is-trusted", Child: "is-trusted-for-crap"}},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	s := sampleStore(t)
	data, err := s.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, s.PolicyCert, decoded.PolicyCert)
	assert.Equal(t, s.PrivateKey, decoded.PrivateKey)
	assert.Equal(t, s.SymmetricKey, decoded.SymmetricKey)
	assert.Equal(t, s.Algorithms, decoded.Algorithms)
	assert.Equal(t, s.AdmissionCert, decoded.AdmissionCert)
	assert.True(t, s.PlatformRule.SameBytes(decoded.PlatformRule))
	assert.Equal(t, s.Facts, decoded.Facts)
}

func TestMarshalEmptyStore(t *testing.T) {
	data, err := (&Store{}).Marshal()
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.PrivateKey)
	assert.Nil(t, decoded.PlatformRule)
	assert.Empty(t, decoded.Facts)
}

func TestSaveLoad(t *testing.T) {
	sim, err := enclave.GenerateSimulated("app-1")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "data", "store.bin")
	s := sampleStore(t)

	require.NoError(t, s.Save(path, sim, sim.Type(), sim.ID()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(s.SymmetricKey), "store must be sealed")

	loaded, err := Load(path, sim, sim.Type(), sim.ID())
	require.NoError(t, err)
	assert.Equal(t, s.PrivateKey, loaded.PrivateKey)
	assert.Equal(t, s.Facts, loaded.Facts)
}

func TestLoadFailuresAreIOErrors(t *testing.T) {
	sim, err := enclave.GenerateSimulated("app-1")
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "store.bin")
	require.NoError(t, sampleStore(t).Save(path, sim, sim.Type(), sim.ID()))

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.bin"), sim, sim.Type(), sim.ID())
		assert.True(t, errors.IsIOError(err))
	})

	t.Run("other enclave id", func(t *testing.T) {
		_, err := Load(path, sim, sim.Type(), "app-2")
		assert.True(t, errors.IsIOError(err))
	})

	t.Run("other platform", func(t *testing.T) {
		other, err := enclave.GenerateSimulated("app-1")
		require.NoError(t, err)
		_, err = Load(path, other, other.Type(), other.ID())
		assert.True(t, errors.IsIOError(err))
	})

	t.Run("tampered", func(t *testing.T) {
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		tampered := filepath.Join(dir, "tampered.bin")
		require.NoError(t, os.WriteFile(tampered, raw, 0o600))
		_, err = Load(tampered, sim, sim.Type(), sim.ID())
		assert.True(t, errors.IsIOError(err))
	})
}

func TestZeroize(t *testing.T) {
	s := sampleStore(t)
	sym := s.SymmetricKey
	s.Zeroize()

	assert.Nil(t, s.SymmetricKey)
	assert.Equal(t, make([]byte, len(sym)), sym)
	assert.Empty(t, s.PrivateKey.PrivateKey)
	assert.False(t, s.PrivateKey.IsPrivate())

	var nilStore *Store
	nilStore.Zeroize()
}
