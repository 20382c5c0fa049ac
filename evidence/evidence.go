// Package evidence defines what a component submits to the policy authority
// to prove it may hold an identity: evidence items, the package wrapping
// them, and the attestation user data and report formats.
package evidence

import (
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
)

// ProverVse is the only prover type the authority accepts.
const ProverVse = "vse-verifier"

// Evidence item types.
const (
	ItemSignedClaim        = "signed-claim"
	ItemVseAttestation     = "signed-vse-attestation-report"
	ItemGramineAttestation = "gramine-attestation-report"
)

// Evidence package types. They select how the authority completes the
// proved statements before constructing a proof.
const (
	PackageFullVse           = "full-vse-support"
	PackagePlatformOnly      = "platform-attestation-only"
	PackageAugmentedPlatform = "augmented-platform-attestation-only"
	PackageGramine           = "gramine-evidence"
)

// MaxItems bounds the number of items in one package.
const MaxItems = 32

// Item is one piece of serialized evidence.
type Item struct {
	Type       string
	Serialized []byte
}

// Package is the evidence submitted with a trust request.
type Package struct {
	ProverType string
	Items      []Item
}

const (
	itemFieldType       = 1
	itemFieldSerialized = 2

	packageFieldProver = 1
	packageFieldItem   = 2
)

// Marshal encodes the package deterministically.
func (p *Package) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, packageFieldProver, p.ProverType)
	for _, it := range p.Items {
		var ib []byte
		ib = wire.AppendString(ib, itemFieldType, it.Type)
		ib = wire.AppendBytes(ib, itemFieldSerialized, it.Serialized)
		b = wire.AppendMessage(b, packageFieldItem, ib)
	}
	return b
}

// UnmarshalPackage decodes a package produced by Marshal.
func UnmarshalPackage(data []byte) (*Package, error) {
	p := &Package{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case packageFieldProver:
			p.ProverType = f.String()
		case packageFieldItem:
			if len(p.Items) >= MaxItems {
				return errors.NewValidationf("evidence package exceeds %d items", MaxItems)
			}
			var it Item
			err := wire.Walk(f.Bytes, func(g wire.Field) error {
				if err := wire.ExpectBytes(g); err != nil {
					return err
				}
				switch g.Num {
				case itemFieldType:
					it.Type = g.String()
				case itemFieldSerialized:
					it.Serialized = g.CopyBytes()
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Items = append(p.Items, it)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode evidence package")
	}
	return p, nil
}
