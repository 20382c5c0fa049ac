// Package keys generates identity keys and signs and verifies with them.
//
// Keys travel as vse.Key values: PKIX DER public keys and PKCS#8 DER
// private keys, so RSA and Ed25519 share one representation.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// Supported public key algorithms.
const (
	AlgRSA2048 = "rsa-2048"
	AlgRSA3072 = "rsa-3072"
	AlgRSA4096 = "rsa-4096"
	AlgEd25519 = "ed25519"
)

// SigningEd25519 is the signing algorithm name for Ed25519 keys. RSA keys
// use "rsa-<bits>-sha256-pkcs-sign".
const SigningEd25519 = "ed25519-sign"

// Algorithms lists the public key algorithms Generate accepts.
func Algorithms() []string {
	return []string{AlgRSA2048, AlgRSA3072, AlgRSA4096, AlgEd25519}
}

// IsSupported reports whether alg names a supported public key algorithm.
func IsSupported(alg string) bool {
	for _, a := range Algorithms() {
		if a == alg {
			return true
		}
	}
	return false
}

// Generate creates a new private key of the given algorithm.
func Generate(alg, name string) (*vse.Key, error) {
	var signer crypto.Signer
	switch alg {
	case AlgRSA2048, AlgRSA3072, AlgRSA4096:
		bits, _ := strconv.Atoi(strings.TrimPrefix(alg, "rsa-"))
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to generate %s key", alg)
		}
		signer = k
	case AlgEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate ed25519 keypair")
		}
		signer = k
	default:
		return nil, errors.NewValidationf("unsupported public key algorithm %q", alg)
	}
	return FromSigner(name, signer)
}

// FromSigner converts a Go private key into a vse.Key.
func FromSigner(name string, signer crypto.Signer) (*vse.Key, error) {
	family, err := familyOf(signer.Public())
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode public key")
	}
	priv, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode private key")
	}
	return &vse.Key{
		Name:       name,
		Type:       vse.PrivateType(family),
		Format:     vse.KeyFormat,
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// FromPublic converts a Go public key into a vse.Key.
func FromPublic(name string, pub crypto.PublicKey) (*vse.Key, error) {
	family, err := familyOf(pub)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode public key")
	}
	return &vse.Key{
		Name:      name,
		Type:      vse.PublicType(family),
		Format:    vse.KeyFormat,
		PublicKey: der,
	}, nil
}

func familyOf(pub crypto.PublicKey) (string, error) {
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("rsa-%d", p.N.BitLen()), nil
	case ed25519.PublicKey:
		return AlgEd25519, nil
	}
	return "", errors.NewValidationf("unsupported public key type %T", pub)
}

// PublicKey decodes the public half of k.
func PublicKey(k *vse.Key) (crypto.PublicKey, error) {
	if k == nil || len(k.PublicKey) == 0 {
		return nil, errors.NewValidationf("key has no public key bytes")
	}
	pub, err := x509.ParsePKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "malformed public key"), errors.ErrValidation)
	}
	family, err := familyOf(pub)
	if err != nil {
		return nil, err
	}
	if family != k.Family() {
		return nil, errors.NewValidationf("key type %q does not match encoded %s key", k.Type, family)
	}
	return pub, nil
}

// Signer decodes the private half of k. Keys without private material and
// malformed private keys yield a signature error.
func Signer(k *vse.Key) (crypto.Signer, error) {
	if !k.IsPrivate() {
		return nil, errors.NewSignaturef("key %q has no private key material", keyName(k))
	}
	parsed, err := x509.ParsePKCS8PrivateKey(k.PrivateKey)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "malformed private key %q", keyName(k)), errors.ErrSignature)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errors.NewSignaturef("key %q cannot sign", keyName(k))
	}
	family, err := familyOf(signer.Public())
	if err != nil || family != k.Family() {
		return nil, errors.NewSignaturef("key type %q does not match private key", k.Type)
	}
	return signer, nil
}

// SigningAlgorithm returns the signing algorithm name used for k.
func SigningAlgorithm(k *vse.Key) string {
	family := k.Family()
	if family == AlgEd25519 {
		return SigningEd25519
	}
	return family + "-sha256-pkcs-sign"
}

// Sign signs data with k and returns the algorithm name and signature.
func Sign(k *vse.Key, data []byte) (string, []byte, error) {
	signer, err := Signer(k)
	if err != nil {
		return "", nil, err
	}

	var sig []byte
	switch s := signer.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(s, data)
	case *rsa.PrivateKey:
		digest := sha256.Sum256(data)
		sig, err = rsa.SignPKCS1v15(rand.Reader, s, crypto.SHA256, digest[:])
		if err != nil {
			return "", nil, errors.Mark(errors.Wrap(err, "rsa signing failed"), errors.ErrSignature)
		}
	default:
		return "", nil, errors.NewSignaturef("unsupported signer %T", signer)
	}
	return SigningAlgorithm(k), sig, nil
}

// Verify checks sig over data with the public half of pub. Any decoding
// problem or algorithm mismatch yields false.
func Verify(pub *vse.Key, alg string, data, sig []byte) bool {
	if pub == nil || len(sig) == 0 || alg != SigningAlgorithm(pub) {
		return false
	}
	key, err := PublicKey(pub)
	if err != nil {
		return false
	}
	switch p := key.(type) {
	case ed25519.PublicKey:
		return ed25519.Verify(p, data, sig)
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(p, crypto.SHA256, digest[:], sig) == nil
	}
	return false
}

// ID returns a stable identifier for the public half of k.
// Format: z + base58btc(sha256(PKIX public key))
func ID(k *vse.Key) string {
	sum := sha256.Sum256(k.PublicKey)
	return "z" + base58.Encode(sum[:])
}

func keyName(k *vse.Key) string {
	if k == nil {
		return "<nil>"
	}
	return k.Name
}
