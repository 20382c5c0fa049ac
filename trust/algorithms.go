package trust

import (
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/store"
)

// Algorithm names accepted by ColdInit.
const (
	SymmetricAES128 = "aes-128"
	SymmetricAES256 = "aes-256"

	HashSHA256 = "sha-256"
	HashSHA384 = "sha-384"
	HashSHA512 = "sha-512"

	HMACSHA256 = "sha-256-hmac"
	HMACSHA384 = "sha-384-hmac"
	HMACSHA512 = "sha-512-hmac"
)

// DefaultAlgorithms is what the CLI cold inits with unless configured.
var DefaultAlgorithms = store.Algorithms{
	PublicKey: keys.AlgRSA2048,
	Symmetric: SymmetricAES256,
	Hash:      HashSHA256,
	HMAC:      HMACSHA256,
}

var symmetricKeySizes = map[string]int{
	SymmetricAES128: 16,
	SymmetricAES256: 32,
}

var hashes = map[string]bool{HashSHA256: true, HashSHA384: true, HashSHA512: true}

var hmacs = map[string]bool{HMACSHA256: true, HMACSHA384: true, HMACSHA512: true}

// ValidateAlgorithms checks every algorithm name in a.
func ValidateAlgorithms(a store.Algorithms) error {
	if !keys.IsSupported(a.PublicKey) {
		return errors.NewValidationf("unsupported public key algorithm %q", a.PublicKey)
	}
	if _, ok := symmetricKeySizes[a.Symmetric]; !ok {
		return errors.NewValidationf("unsupported symmetric algorithm %q", a.Symmetric)
	}
	if !hashes[a.Hash] {
		return errors.NewValidationf("unsupported hash algorithm %q", a.Hash)
	}
	if !hmacs[a.HMAC] {
		return errors.NewValidationf("unsupported hmac algorithm %q", a.HMAC)
	}
	return nil
}
