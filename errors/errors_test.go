package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithHint(t *testing.T) {
	err := New("error")
	withHint := WithHint(err, "try this fix")

	hints := GetAllHints(withHint)
	require.Len(t, hints, 1)
	assert.Equal(t, "try this fix", hints[0])
}

func TestStackTrace(t *testing.T) {
	err := NewValidationf("bad length %d", 7)

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
}

func TestTaxonomyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category error
		is       func(error) bool
	}{
		{"validation", NewValidationf("empty buffer"), ErrValidation, IsValidationError},
		{"signature", NewSignaturef("key cannot sign"), ErrSignature, IsSignatureError},
		{"time validity", NewTimeValidityf("expired"), ErrTimeValidity, IsTimeValidityError},
		{"cycle", NewCyclef("a -> a"), ErrCycle, IsCycleError},
		{"attestation", NewAttestationf("quote version 4"), ErrAttestation, IsAttestationError},
		{"channel auth", NewChannelAuthf("not active"), ErrChannelAuth, IsChannelAuthError},
		{"io", MarkIO(io.ErrUnexpectedEOF, "read store"), ErrIO, IsIOError},
		{"invalid state", NewInvalidStatef("certify before init"), ErrInvalidState, IsInvalidStateError},
		{"timeout", MarkAs(io.ErrNoProgress, ErrTimeout, "certify"), ErrTimeout, IsTimeoutError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(tt.err))
			assert.Equal(t, tt.category, Category(tt.err))

			// Category survives additional wrapping
			wrapped := Wrap(Wrap(tt.err, "layer 1"), "layer 2")
			assert.True(t, tt.is(wrapped))
			assert.Equal(t, tt.category, Category(wrapped))
		})
	}
}

func TestCategoriesAreDistinct(t *testing.T) {
	err := NewSignaturef("bad signature")

	assert.False(t, IsValidationError(err))
	assert.False(t, IsAttestationError(err))
	assert.False(t, IsChannelAuthError(err))
}

func TestMarkIOKeepsCause(t *testing.T) {
	err := MarkIO(io.ErrUnexpectedEOF, "read store")

	assert.True(t, Is(err, io.ErrUnexpectedEOF))
	assert.Contains(t, err.Error(), "read store")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, MarkIO(nil, "context"))
	assert.Nil(t, MarkAs(nil, ErrSignature, "context"))
	assert.False(t, IsValidationError(nil))
	assert.Nil(t, Category(nil))
	assert.Nil(t, Category(New("uncategorised")))
}

func ExampleNewValidationf() {
	err := NewValidationf("measurement is %d bytes", 0)
	fmt.Println(err, IsValidationError(err))
	// Output: measurement is 0 bytes true
}
