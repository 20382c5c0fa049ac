// Package errors provides error handling for certifier.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators
//
// On top of the re-exports it defines the trust error taxonomy. Every
// failure produced by the framework is marked with exactly one category so
// callers can branch with errors.Is regardless of how much context was
// wrapped around it:
//
//	if errors.Is(err, errors.ErrSignature) {
//	    // reject the artifact
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var AssertionFailedf = crdb.AssertionFailedf

// Trust error taxonomy.
var (
	// ErrValidation indicates a malformed or out-of-range input
	ErrValidation = New("validation error")

	// ErrSignature indicates a signing failure or a signature that does not verify
	ErrSignature = New("signature error")

	// ErrTimeValidity indicates a claim or certificate outside its validity window
	ErrTimeValidity = New("time validity error")

	// ErrCycle indicates a dominance insertion that would create a cycle
	ErrCycle = New("cycle error")

	// ErrAttestation indicates evidence the authority or provider refused
	ErrAttestation = New("attestation error")

	// ErrChannelAuth indicates a secure channel could not be authenticated
	ErrChannelAuth = New("channel authentication error")

	// ErrIO indicates persisted state is missing, unreadable or unwritable
	ErrIO = New("io error")

	// ErrInvalidState indicates a lifecycle operation invoked from the wrong state
	ErrInvalidState = New("invalid lifecycle state")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// NewValidationf creates a validation error
func NewValidationf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrValidation)
}

// NewSignaturef creates a signature error
func NewSignaturef(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrSignature)
}

// NewTimeValidityf creates a time validity error
func NewTimeValidityf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrTimeValidity)
}

// NewCyclef creates a cycle error
func NewCyclef(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrCycle)
}

// NewAttestationf creates an attestation error
func NewAttestationf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrAttestation)
}

// NewChannelAuthf creates a channel authentication error
func NewChannelAuthf(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrChannelAuth)
}

// NewInvalidStatef creates an invalid state error
func NewInvalidStatef(format string, args ...interface{}) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrInvalidState)
}

// MarkIO wraps err with context and marks it as an IO error.
// Returns nil if err is nil.
func MarkIO(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(crdb.WrapWithDepth(1, err, msg), ErrIO)
}

// MarkAs wraps err with context and marks it with the given category.
// Returns nil if err is nil.
func MarkAs(err error, category error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(crdb.WrapWithDepth(1, err, msg), category)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsSignatureError checks if an error is or wraps ErrSignature
func IsSignatureError(err error) bool {
	return err != nil && Is(err, ErrSignature)
}

// IsTimeValidityError checks if an error is or wraps ErrTimeValidity
func IsTimeValidityError(err error) bool {
	return err != nil && Is(err, ErrTimeValidity)
}

// IsCycleError checks if an error is or wraps ErrCycle
func IsCycleError(err error) bool {
	return err != nil && Is(err, ErrCycle)
}

// IsAttestationError checks if an error is or wraps ErrAttestation
func IsAttestationError(err error) bool {
	return err != nil && Is(err, ErrAttestation)
}

// IsChannelAuthError checks if an error is or wraps ErrChannelAuth
func IsChannelAuthError(err error) bool {
	return err != nil && Is(err, ErrChannelAuth)
}

// IsIOError checks if an error is or wraps ErrIO
func IsIOError(err error) bool {
	return err != nil && Is(err, ErrIO)
}

// IsInvalidStateError checks if an error is or wraps ErrInvalidState
func IsInvalidStateError(err error) bool {
	return err != nil && Is(err, ErrInvalidState)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// Category returns the taxonomy sentinel err is marked with, or nil.
func Category(err error) error {
	for _, c := range []error{
		ErrValidation, ErrSignature, ErrTimeValidity, ErrCycle,
		ErrAttestation, ErrChannelAuth, ErrIO, ErrInvalidState, ErrTimeout,
	} {
		if Is(err, c) {
			return c
		}
	}
	return nil
}
