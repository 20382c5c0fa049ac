package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/certifier/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestAppendOmitsZeroValues(t *testing.T) {
	var b []byte
	b = AppendString(b, 1, "")
	b = AppendBytes(b, 2, nil)
	b = AppendVarint(b, 3, 0)
	b = AppendBool(b, 4, false)
	assert.Empty(t, b)

	b = AppendMessage(b, 5, nil)
	assert.NotEmpty(t, b, "embedded messages keep presence")
}

func TestWalk(t *testing.T) {
	var b []byte
	b = AppendString(b, 1, "is-trusted")
	b = AppendVarint(b, 2, 42)
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = AppendBytes(b, 4, []byte{0xde, 0xad})

	var got []Field
	require.NoError(t, Walk(b, func(f Field) error {
		got = append(got, f)
		return nil
	}))

	require.Len(t, got, 3, "fixed32 field is skipped")
	assert.Equal(t, "is-trusted", got[0].String())
	assert.Equal(t, uint64(42), got[1].Varint)
	assert.Equal(t, []byte{0xde, 0xad}, got[2].CopyBytes())
	assert.NoError(t, ExpectBytes(got[0]))
	assert.True(t, errors.IsValidationError(ExpectBytes(got[1])))
	assert.True(t, errors.IsValidationError(ExpectVarint(got[0])))
}

func TestWalkMalformed(t *testing.T) {
	// Length prefix claims 10 bytes but only 2 follow
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendVarint(b, 10)
	b = append(b, 1, 2)

	err := Walk(b, func(Field) error { return nil })
	assert.True(t, errors.IsValidationError(err))
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello"), 16))
	require.NoError(t, WriteFrame(&buf, nil, 16))

	got, err := ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = ReadFrame(&buf, 16)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(&buf, 16)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 17), 16)
	assert.True(t, errors.IsValidationError(err))
	assert.Zero(t, buf.Len())

	// Header announcing 4 GiB is rejected without allocating
	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(header, 0xffffffff)
	_, err = ReadFrame(bytes.NewReader(header), 1024)
	assert.True(t, errors.IsValidationError(err))
}
