// Package enclave provides the platform capabilities the trust lifecycle
// depends on: sealing secrets to the running component and producing
// attestations over caller-chosen data.
//
// Implementations are injected into trust.New; nothing in this package is
// global.
package enclave

import (
	"github.com/teranos/certifier/evidence"
)

// Enclave types.
const (
	TypeSimulated = "simulated-enclave"
	TypeGramine   = "gramine-enclave"
	// TypeApplication is hosted by a parent enclave that performs every
	// platform operation on its behalf.
	TypeApplication = "application-enclave"
)

// Enclave is the capability interface a trust context is built on.
type Enclave interface {
	// Type returns the enclave type name, e.g. "simulated-enclave".
	Type() string
	// ID identifies this enclave instance; it is bound into sealed blobs.
	ID() string
	// Measurement returns the code identity of the running component.
	Measurement() ([]byte, error)

	// Seal protects plaintext so only the same enclave type and id can
	// recover it.
	Seal(enclaveType, enclaveID string, plaintext []byte) ([]byte, error)
	// Unseal reverses Seal. Tampered or foreign blobs fail.
	Unseal(enclaveType, enclaveID string, sealed []byte) ([]byte, error)

	// Attest returns an assertion binding a hash of claim.
	Attest(claim []byte) ([]byte, error)
	// Verify checks assertion against the user data it should bind and
	// returns the attested measurement.
	Verify(expectedUserData, assertion []byte) ([]byte, error)

	// Evidence packages an attestation for submission to the authority and
	// names the package type.
	Evidence(userData, assertion []byte) (string, *evidence.Package, error)
}
