package trust

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"crypto/x509"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/keys"
)

// protectAAD binds protected blobs to their purpose.
var protectAAD = []byte("certifier-protected-blob")

// TLSCertificate returns the admission certificate with the identity key
// for use in a TLS handshake. The context must be Active with an admission
// certificate.
func (c *Context) TLSCertificate() (tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return tls.Certificate{}, errors.NewChannelAuthf("trust context is %s, not active", c.state)
	}
	if c.admissionLeaf == nil {
		return tls.Certificate{}, errors.NewChannelAuthf("trust context holds no admission certificate")
	}
	signer, err := keys.Signer(c.privateKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{append([]byte(nil), c.admissionCert...)},
		PrivateKey:  signer,
		Leaf:        c.admissionLeaf,
	}, nil
}

// RootPool returns a pool holding only the policy root certificate.
func (c *Context) RootPool() (*x509.CertPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.policyRoot == nil {
		return nil, errors.NewInvalidStatef("policy key is not loaded")
	}
	pool := x509.NewCertPool()
	pool.AddCert(c.policyRoot)
	return pool, nil
}

// Protect encrypts data under the context's protection key with AES-GCM.
// The result is nonce || ciphertext.
func (c *Context) Protect(data []byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, protectAAD), nil
}

// Unprotect reverses Protect. Blobs protected by another context or
// modified after protection fail with a validation error.
func (c *Context) Unprotect(blob []byte) ([]byte, error) {
	aead, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.NewValidationf("protected blob of %d bytes is too short", len(blob))
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, protectAAD)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "protected blob does not authenticate"), errors.ErrValidation)
	}
	return plain, nil
}

func (c *Context) aead() (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateScrubbed || len(c.symmetricKey) == 0 {
		return nil, errors.NewInvalidStatef("no protection key in state %s", c.state)
	}
	block, err := aes.NewCipher(c.symmetricKey)
	if err != nil {
		return nil, errors.Wrap(err, "protection key")
	}
	return cipher.NewGCM(block)
}
