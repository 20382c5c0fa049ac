// Package claims binds serialized statements to validity windows and signs
// them.
package claims

import (
	"bytes"
	"time"

	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/keys"
	"github.com/teranos/certifier/vse"
)

// Claim formats.
const (
	FormatVseClause      = "vse-clause"
	FormatVseAttestation = "vse-attestation"
)

// TimeLayout is the wire form of claim timestamps.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Size limits for claim payloads and signed envelopes.
const (
	MaxClaimBytes      = 512 << 10
	MaxSignedClaimSize = 1 << 20
	MaxDescriptionLen  = 1024
)

// Claim is a serialized payload with the window in which it holds.
type Claim struct {
	SerializedClaim []byte
	Format          string
	Description     string
	NotBefore       time.Time
	NotAfter        time.Time
}

// New builds a claim. The window bounds are truncated to microseconds and
// stored in UTC so they survive the wire timestamp format unchanged.
func New(serialized []byte, format, description string, notBefore, notAfter time.Time) (*Claim, error) {
	c := &Claim{
		SerializedClaim: append([]byte(nil), serialized...),
		Format:          format,
		Description:     description,
		NotBefore:       normalize(notBefore),
		NotAfter:        normalize(notAfter),
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ForClause serializes clause and wraps it in a vse-clause claim.
func ForClause(clause *vse.Clause, description string, notBefore, notAfter time.Time) (*Claim, error) {
	data, err := clause.Marshal()
	if err != nil {
		return nil, err
	}
	return New(data, FormatVseClause, description, notBefore, notAfter)
}

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (c *Claim) validate() error {
	if len(c.SerializedClaim) == 0 {
		return errors.NewValidationf("claim payload is empty")
	}
	if len(c.SerializedClaim) > MaxClaimBytes {
		return errors.NewValidationf("claim payload of %d bytes exceeds %d", len(c.SerializedClaim), MaxClaimBytes)
	}
	if c.Format == "" {
		return errors.NewValidationf("claim format is empty")
	}
	if len(c.Description) > MaxDescriptionLen {
		return errors.NewValidationf("claim description exceeds %d bytes", MaxDescriptionLen)
	}
	if c.NotBefore.After(c.NotAfter) {
		return errors.NewValidationf("claim not_before %s is after not_after %s",
			c.NotBefore.Format(TimeLayout), c.NotAfter.Format(TimeLayout))
	}
	return nil
}

// IsCurrentlyValid reports whether now lies within [NotBefore, NotAfter].
func (c *Claim) IsCurrentlyValid(now time.Time) bool {
	return !now.Before(c.NotBefore) && !now.After(c.NotAfter)
}

// CheckValidity is IsCurrentlyValid as an error.
func (c *Claim) CheckValidity(now time.Time) error {
	if now.Before(c.NotBefore) {
		return errors.NewTimeValidityf("claim not valid before %s", c.NotBefore.Format(TimeLayout))
	}
	if now.After(c.NotAfter) {
		return errors.NewTimeValidityf("claim expired at %s", c.NotAfter.Format(TimeLayout))
	}
	return nil
}

// Clause decodes the payload of a vse-clause claim.
func (c *Claim) Clause() (*vse.Clause, error) {
	if c.Format != FormatVseClause {
		return nil, errors.NewValidationf("claim format %q is not %s", c.Format, FormatVseClause)
	}
	return vse.UnmarshalClause(c.SerializedClaim)
}

// SignedClaim is a serialized claim with the signature over exactly those bytes.
type SignedClaim struct {
	SerializedClaim []byte
	SigningKey      *vse.Key
	Algorithm       string
	Signature       []byte
}

// Sign serializes claim and signs it with the private key.
func Sign(claim *Claim, privateKey *vse.Key) (*SignedClaim, error) {
	if claim == nil {
		return nil, errors.NewValidationf("nil claim")
	}
	data, err := claim.Marshal()
	if err != nil {
		return nil, err
	}
	alg, sig, err := keys.Sign(privateKey, data)
	if err != nil {
		return nil, err
	}
	return &SignedClaim{
		SerializedClaim: data,
		SigningKey:      privateKey.Public(),
		Algorithm:       alg,
		Signature:       sig,
	}, nil
}

// SignClause is ForClause followed by Sign.
func SignClause(clause *vse.Clause, description string, notBefore, notAfter time.Time, privateKey *vse.Key) (*SignedClaim, error) {
	c, err := ForClause(clause, description, notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	return Sign(c, privateKey)
}

// Verify checks that sc was signed by publicKey. The embedded signing key
// must be the same key. Any mismatch or malformed input yields false.
func Verify(sc *SignedClaim, publicKey *vse.Key) bool {
	if sc == nil || publicKey == nil || len(sc.SerializedClaim) == 0 {
		return false
	}
	if sc.SigningKey != nil && !sc.SigningKey.SameKey(publicKey) {
		return false
	}
	return keys.Verify(publicKey, sc.Algorithm, sc.SerializedClaim, sc.Signature)
}

// Claim decodes the signed payload. It does not verify the signature.
func (sc *SignedClaim) Claim() (*Claim, error) {
	return UnmarshalClaim(sc.SerializedClaim)
}

// VerifyAssertion verifies sc under publicKey, checks the claim window
// against now and decodes the vse clause it carries.
func VerifyAssertion(sc *SignedClaim, publicKey *vse.Key, now time.Time) (*vse.Clause, error) {
	if !Verify(sc, publicKey) {
		return nil, errors.NewSignaturef("signed claim does not verify")
	}
	c, err := sc.Claim()
	if err != nil {
		return nil, err
	}
	if err := c.CheckValidity(now); err != nil {
		return nil, err
	}
	return c.Clause()
}

// SameBytes reports whether two signed claims are byte-identical.
func (sc *SignedClaim) SameBytes(other *SignedClaim) bool {
	a, errA := sc.Marshal()
	b, errB := other.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

const (
	claimFieldFormat      = 1
	claimFieldDescription = 2
	claimFieldNotBefore   = 3
	claimFieldNotAfter    = 4
	claimFieldSerialized  = 5

	signedFieldClaim     = 1
	signedFieldKey       = 2
	signedFieldAlgorithm = 3
	signedFieldSignature = 4
)

// Marshal encodes the claim deterministically.
func (c *Claim) Marshal() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = wire.AppendString(b, claimFieldFormat, c.Format)
	b = wire.AppendString(b, claimFieldDescription, c.Description)
	b = wire.AppendString(b, claimFieldNotBefore, c.NotBefore.Format(TimeLayout))
	b = wire.AppendString(b, claimFieldNotAfter, c.NotAfter.Format(TimeLayout))
	b = wire.AppendBytes(b, claimFieldSerialized, c.SerializedClaim)
	return b, nil
}

// UnmarshalClaim decodes a claim produced by Marshal.
func UnmarshalClaim(data []byte) (*Claim, error) {
	if len(data) == 0 {
		return nil, errors.NewValidationf("claim buffer is empty")
	}
	if len(data) > MaxSignedClaimSize {
		return nil, errors.NewValidationf("claim buffer of %d bytes exceeds %d", len(data), MaxSignedClaimSize)
	}

	c := &Claim{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		var err error
		switch f.Num {
		case claimFieldFormat:
			c.Format = f.String()
		case claimFieldDescription:
			c.Description = f.String()
		case claimFieldNotBefore:
			c.NotBefore, err = parseTime(f.String())
		case claimFieldNotAfter:
			c.NotAfter, err = parseTime(f.String())
		case claimFieldSerialized:
			c.SerializedClaim = f.CopyBytes()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode claim")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "bad claim timestamp %q", s), errors.ErrValidation)
	}
	return t, nil
}

// Marshal encodes the signed claim deterministically.
func (sc *SignedClaim) Marshal() ([]byte, error) {
	if sc == nil || len(sc.SerializedClaim) == 0 {
		return nil, errors.NewValidationf("signed claim has no payload")
	}
	var b []byte
	b = wire.AppendBytes(b, signedFieldClaim, sc.SerializedClaim)
	if sc.SigningKey != nil {
		kb, err := sc.SigningKey.Marshal()
		if err != nil {
			return nil, err
		}
		b = wire.AppendMessage(b, signedFieldKey, kb)
	}
	b = wire.AppendString(b, signedFieldAlgorithm, sc.Algorithm)
	b = wire.AppendBytes(b, signedFieldSignature, sc.Signature)
	return b, nil
}

// UnmarshalSignedClaim decodes a signed claim produced by Marshal.
func UnmarshalSignedClaim(data []byte) (*SignedClaim, error) {
	if len(data) == 0 {
		return nil, errors.NewValidationf("signed claim buffer is empty")
	}
	if len(data) > MaxSignedClaimSize {
		return nil, errors.NewValidationf("signed claim buffer of %d bytes exceeds %d", len(data), MaxSignedClaimSize)
	}

	sc := &SignedClaim{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case signedFieldClaim:
			sc.SerializedClaim = f.CopyBytes()
		case signedFieldKey:
			k, err := vse.UnmarshalKey(f.Bytes)
			if err != nil {
				return err
			}
			sc.SigningKey = k
		case signedFieldAlgorithm:
			sc.Algorithm = f.String()
		case signedFieldSignature:
			sc.Signature = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode signed claim")
	}
	if len(sc.SerializedClaim) == 0 {
		return nil, errors.NewValidationf("signed claim has no payload")
	}
	return sc, nil
}
