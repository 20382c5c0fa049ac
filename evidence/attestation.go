package evidence

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
	"github.com/teranos/certifier/vse"
)

// UserData is what a component asks its platform to bind into an
// attestation: its own identity key and the policy key it trusts.
type UserData struct {
	EnclaveType string
	EnclaveKey  *vse.Key
	PolicyKey   *vse.Key
	Time        time.Time
}

// Report is the payload of a simulated attestation.
type Report struct {
	EnclaveType  string
	Measurement  []byte
	UserDataHash []byte
}

// Attestation is the serialized form of an attestation evidence item:
// the user data and the platform's assertion over it.
type Attestation struct {
	UserData  []byte
	Assertion []byte
}

const (
	userDataFieldType      = 1
	userDataFieldEnclave   = 2
	userDataFieldPolicyKey = 3
	userDataFieldTime      = 4

	reportFieldType        = 1
	reportFieldMeasurement = 2
	reportFieldHash        = 3

	attestationFieldUserData  = 1
	attestationFieldAssertion = 2
)

// Marshal encodes the user data deterministically.
func (u *UserData) Marshal() ([]byte, error) {
	if u.EnclaveKey == nil {
		return nil, errors.NewValidationf("user data requires an enclave key")
	}
	ek, err := u.EnclaveKey.Public().Marshal()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = wire.AppendString(b, userDataFieldType, u.EnclaveType)
	b = wire.AppendMessage(b, userDataFieldEnclave, ek)
	if u.PolicyKey != nil {
		pk, err := u.PolicyKey.Public().Marshal()
		if err != nil {
			return nil, err
		}
		b = wire.AppendMessage(b, userDataFieldPolicyKey, pk)
	}
	b = wire.AppendString(b, userDataFieldTime, u.Time.UTC().Format(claims.TimeLayout))
	return b, nil
}

// UnmarshalUserData decodes user data produced by Marshal.
func UnmarshalUserData(data []byte) (*UserData, error) {
	if len(data) == 0 {
		return nil, errors.NewValidationf("user data is empty")
	}
	u := &UserData{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		var err error
		switch f.Num {
		case userDataFieldType:
			u.EnclaveType = f.String()
		case userDataFieldEnclave:
			u.EnclaveKey, err = vse.UnmarshalKey(f.Bytes)
		case userDataFieldPolicyKey:
			u.PolicyKey, err = vse.UnmarshalKey(f.Bytes)
		case userDataFieldTime:
			u.Time, err = time.Parse(claims.TimeLayout, f.String())
			if err != nil {
				err = errors.Mark(errors.Wrap(err, "bad user data time"), errors.ErrValidation)
			}
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode user data")
	}
	if u.EnclaveKey == nil {
		return nil, errors.NewValidationf("user data has no enclave key")
	}
	return u, nil
}

// Marshal encodes the report deterministically.
func (r *Report) Marshal() []byte {
	var b []byte
	b = wire.AppendString(b, reportFieldType, r.EnclaveType)
	b = wire.AppendBytes(b, reportFieldMeasurement, r.Measurement)
	b = wire.AppendBytes(b, reportFieldHash, r.UserDataHash)
	return b
}

// UnmarshalReport decodes a report produced by Marshal.
func UnmarshalReport(data []byte) (*Report, error) {
	r := &Report{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case reportFieldType:
			r.EnclaveType = f.String()
		case reportFieldMeasurement:
			if len(f.Bytes) > vse.MaxMeasurementSize {
				return errors.NewValidationf("report measurement exceeds %d bytes", vse.MaxMeasurementSize)
			}
			r.Measurement = f.CopyBytes()
		case reportFieldHash:
			r.UserDataHash = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode attestation report")
	}
	if len(r.Measurement) == 0 || len(r.UserDataHash) != sha256.Size {
		return nil, errors.NewValidationf("attestation report is incomplete")
	}
	return r, nil
}

// Marshal encodes the attestation item payload.
func (a *Attestation) Marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, attestationFieldUserData, a.UserData)
	b = wire.AppendBytes(b, attestationFieldAssertion, a.Assertion)
	return b
}

// UnmarshalAttestation decodes an attestation item payload.
func UnmarshalAttestation(data []byte) (*Attestation, error) {
	a := &Attestation{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case attestationFieldUserData:
			a.UserData = f.CopyBytes()
		case attestationFieldAssertion:
			a.Assertion = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode attestation")
	}
	if len(a.UserData) == 0 || len(a.Assertion) == 0 {
		return nil, errors.NewValidationf("attestation is missing user data or assertion")
	}
	return a, nil
}

// SignReport produces a vse-attestation assertion binding SHA-256(userData)
// and measurement, signed by attestKey.
func SignReport(attestKey *vse.Key, enclaveType string, measurement, userData []byte, notBefore, notAfter time.Time) (*claims.SignedClaim, error) {
	sum := sha256.Sum256(userData)
	r := &Report{EnclaveType: enclaveType, Measurement: measurement, UserDataHash: sum[:]}
	c, err := claims.New(r.Marshal(), claims.FormatVseAttestation, "attestation", notBefore, notAfter)
	if err != nil {
		return nil, err
	}
	return claims.Sign(c, attestKey)
}

// VerifyReport checks a vse-attestation assertion over userData. The
// assertion must verify under its embedded signing key, be currently valid
// and bind exactly SHA-256(userData). It returns the signing key and report;
// whether that key is trusted is for the caller's proof to establish.
func VerifyReport(assertion *claims.SignedClaim, userData []byte, now time.Time) (*vse.Key, *Report, error) {
	if assertion == nil || assertion.SigningKey == nil {
		return nil, nil, errors.NewAttestationf("assertion has no signing key")
	}
	if !claims.Verify(assertion, assertion.SigningKey) {
		return nil, nil, errors.NewSignaturef("attestation signature does not verify")
	}
	c, err := assertion.Claim()
	if err != nil {
		return nil, nil, err
	}
	if c.Format != claims.FormatVseAttestation {
		return nil, nil, errors.NewAttestationf("assertion format %q is not %s", c.Format, claims.FormatVseAttestation)
	}
	if err := c.CheckValidity(now); err != nil {
		return nil, nil, err
	}
	r, err := UnmarshalReport(c.SerializedClaim)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(userData)
	if subtle.ConstantTimeCompare(sum[:], r.UserDataHash) != 1 {
		return nil, nil, errors.NewAttestationf("attestation does not bind the submitted user data")
	}
	return assertion.SigningKey, r, nil
}

// SameMeasurement compares two measurements.
func SameMeasurement(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
