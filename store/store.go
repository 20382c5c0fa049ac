// Package store persists the trust state of one component: the policy
// certificate, its own key pair and protection key, and whatever the
// authority granted it. The file is sealed by the enclave so only the same
// component can read it back.
package store

import (
	"os"
	"path/filepath"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/vse"
)

// MaxStoreBytes bounds the encoded store.
const MaxStoreBytes = 4 << 20

// Sealer is the part of an enclave the store needs.
type Sealer interface {
	Seal(enclaveType, enclaveID string, plaintext []byte) ([]byte, error)
	Unseal(enclaveType, enclaveID string, sealed []byte) ([]byte, error)
}

// Algorithms records the algorithm choices made at cold init.
type Algorithms struct {
	PublicKey string
	Symmetric string
	Hash      string
	HMAC      string
}

// Store is the persisted trust state.
type Store struct {
	PolicyCert    []byte
	PrivateKey    *vse.Key
	SymmetricKey  []byte
	Algorithms    Algorithms
	AdmissionCert []byte
	PlatformRule  *claims.SignedClaim
	Facts         []dominance.Edge
}

const (
	fieldPolicyCert    = 1
	fieldPrivateKey    = 2
	fieldSymmetricKey  = 3
	fieldAlgorithms    = 4
	fieldAdmissionCert = 5
	fieldPlatformRule  = 6
	fieldFact          = 7

	algFieldPublicKey = 1
	algFieldSymmetric = 2
	algFieldHash      = 3
	algFieldHMAC      = 4

	factFieldRoot  = 1
	factFieldChild = 2
)

// Marshal encodes the store. The result holds secret material.
func (s *Store) Marshal() ([]byte, error) {
	var b []byte
	b = wire.AppendBytes(b, fieldPolicyCert, s.PolicyCert)
	if s.PrivateKey != nil {
		k, err := s.PrivateKey.Marshal()
		if err != nil {
			return nil, err
		}
		b = wire.AppendMessage(b, fieldPrivateKey, k)
	}
	b = wire.AppendBytes(b, fieldSymmetricKey, s.SymmetricKey)

	var a []byte
	a = wire.AppendString(a, algFieldPublicKey, s.Algorithms.PublicKey)
	a = wire.AppendString(a, algFieldSymmetric, s.Algorithms.Symmetric)
	a = wire.AppendString(a, algFieldHash, s.Algorithms.Hash)
	a = wire.AppendString(a, algFieldHMAC, s.Algorithms.HMAC)
	b = wire.AppendMessage(b, fieldAlgorithms, a)

	b = wire.AppendBytes(b, fieldAdmissionCert, s.AdmissionCert)
	if s.PlatformRule != nil {
		r, err := s.PlatformRule.Marshal()
		if err != nil {
			return nil, err
		}
		b = wire.AppendMessage(b, fieldPlatformRule, r)
	}
	for _, e := range s.Facts {
		var f []byte
		f = wire.AppendString(f, factFieldRoot, e.Root)
		f = wire.AppendString(f, factFieldChild, e.Child)
		b = wire.AppendMessage(b, fieldFact, f)
	}
	if len(b) > MaxStoreBytes {
		return nil, errors.NewValidationf("store of %d bytes exceeds %d", len(b), MaxStoreBytes)
	}
	return b, nil
}

// Unmarshal decodes a store produced by Marshal.
func Unmarshal(data []byte) (*Store, error) {
	if len(data) > MaxStoreBytes {
		return nil, errors.NewValidationf("store of %d bytes exceeds %d", len(data), MaxStoreBytes)
	}
	s := &Store{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case fieldPolicyCert:
			s.PolicyCert = f.CopyBytes()
		case fieldPrivateKey:
			k, err := vse.UnmarshalKey(f.Bytes)
			if err != nil {
				return err
			}
			s.PrivateKey = k
		case fieldSymmetricKey:
			s.SymmetricKey = f.CopyBytes()
		case fieldAlgorithms:
			return wire.Walk(f.Bytes, func(g wire.Field) error {
				if err := wire.ExpectBytes(g); err != nil {
					return err
				}
				switch g.Num {
				case algFieldPublicKey:
					s.Algorithms.PublicKey = g.String()
				case algFieldSymmetric:
					s.Algorithms.Symmetric = g.String()
				case algFieldHash:
					s.Algorithms.Hash = g.String()
				case algFieldHMAC:
					s.Algorithms.HMAC = g.String()
				}
				return nil
			})
		case fieldAdmissionCert:
			s.AdmissionCert = f.CopyBytes()
		case fieldPlatformRule:
			r, err := claims.UnmarshalSignedClaim(f.Bytes)
			if err != nil {
				return err
			}
			s.PlatformRule = r
		case fieldFact:
			var e dominance.Edge
			err := wire.Walk(f.Bytes, func(g wire.Field) error {
				if err := wire.ExpectBytes(g); err != nil {
					return err
				}
				switch g.Num {
				case factFieldRoot:
					e.Root = g.String()
				case factFieldChild:
					e.Child = g.String()
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Facts = append(s.Facts, e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode store")
	}
	return s, nil
}

// Save seals the store for the given enclave identity and writes it
// atomically with mode 0600.
func (s *Store) Save(path string, sealer Sealer, enclaveType, enclaveID string) error {
	plain, err := s.Marshal()
	if err != nil {
		return err
	}
	defer zero(plain)

	sealed, err := sealer.Seal(enclaveType, enclaveID, plain)
	if err != nil {
		return errors.MarkIO(err, "failed to seal store")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.MarkIO(err, "failed to create store directory")
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return errors.MarkIO(err, "failed to create temporary store file")
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errors.MarkIO(err, "failed to restrict store file")
	}
	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return errors.MarkIO(err, "failed to write store file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.MarkIO(err, "failed to sync store file")
	}
	if err := tmp.Close(); err != nil {
		return errors.MarkIO(err, "failed to close store file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.MarkIO(err, "failed to replace store file")
	}
	return nil
}

// Load reads and unseals a store. Every failure, including a store sealed
// for another enclave, is an IO error.
func Load(path string, sealer Sealer, enclaveType, enclaveID string) (*Store, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithHint(errors.MarkIO(err, "failed to read store"),
			"cold init the component to create a new store")
	}
	plain, err := sealer.Unseal(enclaveType, enclaveID, sealed)
	if err != nil {
		return nil, errors.MarkIO(err, "failed to unseal store")
	}
	defer zero(plain)

	s, err := Unmarshal(plain)
	if err != nil {
		return nil, errors.MarkIO(err, "store is corrupt")
	}
	return s, nil
}

// Zeroize clears the secret material held by the store.
func (s *Store) Zeroize() {
	if s == nil {
		return
	}
	if s.PrivateKey != nil {
		s.PrivateKey.Zeroize()
	}
	zero(s.SymmetricKey)
	s.SymmetricKey = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
