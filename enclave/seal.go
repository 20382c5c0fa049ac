package enclave

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/teranos/certifier/errors"
)

// Sealed blob layout:
//
//	[4-byte little-endian plaintext length][16-byte tag][ciphertext]
//
// The tag is a synthetic IV: HMAC-SHA256 over the binding, the length and
// the plaintext, truncated to 16 bytes. It doubles as the AES-CTR IV, so no
// nonce has to be stored and equal inputs are the only inputs that share an
// IV.
const (
	sealLengthSize = 4
	sealTagSize    = 16
	sealHeaderSize = sealLengthSize + sealTagSize

	// MaxSealedPlaintext bounds what Seal accepts and Unseal will allocate.
	MaxSealedPlaintext = 16 << 20
)

// Sealer implements the sealed blob format with keys derived from a
// platform secret.
type Sealer struct {
	encKey []byte
	macKey []byte
}

// NewSealer derives encryption and MAC keys from secret.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, errors.NewValidationf("sealing secret must be at least 16 bytes, got %d", len(secret))
	}
	encKey, err := hkdf.Key(sha256.New, secret, nil, "certifier seal encryption", 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive sealing key")
	}
	macKey, err := hkdf.Key(sha256.New, secret, nil, "certifier seal authentication", 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive sealing mac key")
	}
	return &Sealer{encKey: encKey, macKey: macKey}, nil
}

// Seal encrypts plaintext bound to the given enclave identity.
func (s *Sealer) Seal(enclaveType, enclaveID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxSealedPlaintext {
		return nil, errors.NewValidationf("plaintext of %d bytes exceeds %d", len(plaintext), MaxSealedPlaintext)
	}

	out := make([]byte, sealHeaderSize+len(plaintext))
	binary.LittleEndian.PutUint32(out, uint32(len(plaintext)))
	tag := s.tag(enclaveType, enclaveID, out[:sealLengthSize], plaintext)
	copy(out[sealLengthSize:], tag)

	if err := s.xor(tag, out[sealHeaderSize:], plaintext); err != nil {
		return nil, err
	}
	return out, nil
}

// Unseal decrypts and authenticates a blob produced by Seal. The declared
// length is checked against the blob before any allocation.
func (s *Sealer) Unseal(enclaveType, enclaveID string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealHeaderSize {
		return nil, errors.NewValidationf("sealed blob of %d bytes is shorter than its header", len(sealed))
	}
	n := binary.LittleEndian.Uint32(sealed)
	if n > MaxSealedPlaintext {
		return nil, errors.NewValidationf("sealed blob declares %d bytes, limit is %d", n, MaxSealedPlaintext)
	}
	if int(n) != len(sealed)-sealHeaderSize {
		return nil, errors.NewValidationf("sealed blob declares %d bytes but carries %d", n, len(sealed)-sealHeaderSize)
	}

	tag := sealed[sealLengthSize:sealHeaderSize]
	plaintext := make([]byte, n)
	if err := s.xor(tag, plaintext, sealed[sealHeaderSize:]); err != nil {
		return nil, err
	}

	expected := s.tag(enclaveType, enclaveID, sealed[:sealLengthSize], plaintext)
	if !hmac.Equal(expected, tag) {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, errors.NewValidationf("sealed blob failed authentication")
	}
	return plaintext, nil
}

func (s *Sealer) tag(enclaveType, enclaveID string, length, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(enclaveType)))
	mac.Write(n[:])
	mac.Write([]byte(enclaveType))
	binary.LittleEndian.PutUint32(n[:], uint32(len(enclaveID)))
	mac.Write(n[:])
	mac.Write([]byte(enclaveID))
	mac.Write(length)
	mac.Write(plaintext)
	return mac.Sum(nil)[:sealTagSize]
}

func (s *Sealer) xor(iv, dst, src []byte) error {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return errors.Wrap(err, "failed to initialise cipher")
	}
	cipher.NewCTR(block, iv).XORKeyStream(dst, src)
	return nil
}

// Zeroize clears the derived keys.
func (s *Sealer) Zeroize() {
	for i := range s.encKey {
		s.encKey[i] = 0
	}
	for i := range s.macKey {
		s.macKey[i] = 0
	}
}
