package vse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/teranos/certifier/errors"
)

// KeyFormat is the only key encoding in use: PKIX public keys and PKCS#8
// private keys.
const KeyFormat = "vse-key"

const (
	publicSuffix  = "-public"
	privateSuffix = "-private"
)

// Key describes an asymmetric key. PublicKey holds the PKIX DER encoding;
// PrivateKey holds the PKCS#8 DER encoding and is empty for public keys.
// Type is the algorithm family plus a visibility suffix, for example
// "rsa-2048-public" or "ed25519-private".
type Key struct {
	Name        string
	Type        string
	Format      string
	PublicKey   []byte
	PrivateKey  []byte
	Certificate []byte
}

// Family returns the algorithm family of the key type ("rsa-2048", "ed25519").
func (k *Key) Family() string {
	if k == nil {
		return ""
	}
	t := strings.TrimSuffix(k.Type, publicSuffix)
	return strings.TrimSuffix(t, privateSuffix)
}

// PublicType returns the public key type name for family.
func PublicType(family string) string { return family + publicSuffix }

// PrivateType returns the private key type name for family.
func PrivateType(family string) string { return family + privateSuffix }

// IsPrivate reports whether k carries private key material.
func (k *Key) IsPrivate() bool {
	return k != nil && len(k.PrivateKey) > 0
}

// Public returns a copy of k without private material.
func (k *Key) Public() *Key {
	if k == nil {
		return nil
	}
	return &Key{
		Name:        k.Name,
		Type:        PublicType(k.Family()),
		Format:      k.Format,
		PublicKey:   cloneBytes(k.PublicKey),
		Certificate: cloneBytes(k.Certificate),
	}
}

// SameKey compares algorithm family and public key bytes. Names,
// certificates and private halves are ignored.
func (k *Key) SameKey(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.Family() == other.Family() && bytes.Equal(k.PublicKey, other.PublicKey)
}

// Zeroize overwrites the private key bytes and drops them.
func (k *Key) Zeroize() {
	if k == nil {
		return
	}
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
	k.PrivateKey = nil
}

// Fingerprint is the hex SHA-256 of the public key bytes.
func (k *Key) Fingerprint() string {
	sum := sha256.Sum256(k.PublicKey)
	return hex.EncodeToString(sum[:])
}

func (k *Key) String() string {
	if k == nil {
		return "Key[<nil>]"
	}
	var sb strings.Builder
	sb.WriteString("Key[")
	sb.WriteString(k.Family())
	if k.Name != "" {
		sb.WriteString(", ")
		sb.WriteString(k.Name)
	}
	sb.WriteString(", ")
	sb.WriteString(k.Fingerprint()[:12])
	sb.WriteByte(']')
	return sb.String()
}

func (k *Key) validate() error {
	if k.Type == "" || k.Family() == "" {
		return errors.NewValidationf("key type is empty")
	}
	if len(k.PublicKey) == 0 {
		return errors.NewValidationf("key %q has no public key bytes", k.Name)
	}
	if len(k.PublicKey) > MaxKeyBytes || len(k.PrivateKey) > MaxKeyBytes || len(k.Certificate) > MaxKeyBytes {
		return errors.NewValidationf("key %q exceeds %d bytes", k.Name, MaxKeyBytes)
	}
	if len(k.Name) > MaxNameLength {
		return errors.NewValidationf("key name of %d bytes exceeds %d", len(k.Name), MaxNameLength)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
