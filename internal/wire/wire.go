// Package wire holds the protobuf field helpers and the length-prefixed
// framing shared by every encoded structure in certifier.
//
// Encoding is deterministic: fields are emitted in ascending field number
// order and zero values are omitted, so equal values always produce equal
// bytes. That property is what signatures are computed over.
package wire

import (
	"github.com/teranos/certifier/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Number is a protobuf field number.
type Number = protowire.Number

// AppendString appends a length-delimited string field; empty strings are omitted.
func AppendString(b []byte, num Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field; empty slices are omitted.
func AppendBytes(b []byte, num Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage appends an embedded message field. Unlike AppendBytes the
// field is written even when msg is empty so presence survives a round trip.
func AppendMessage(b []byte, num Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// AppendVarint appends a varint field; zero is omitted.
func AppendVarint(b []byte, num Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool field; false is omitted.
func AppendBool(b []byte, num Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}

// Field is one decoded protobuf field.
type Field struct {
	Num    Number
	Type   protowire.Type
	Bytes  []byte // set for length-delimited fields, aliases the input
	Varint uint64 // set for varint fields
}

// String returns the length-delimited payload as a string.
func (f Field) String() string {
	return string(f.Bytes)
}

// CopyBytes returns a copy of the length-delimited payload.
func (f Field) CopyBytes() []byte {
	if len(f.Bytes) == 0 {
		return nil
	}
	out := make([]byte, len(f.Bytes))
	copy(out, f.Bytes)
	return out
}

// Walk decodes the top-level fields of b in order and calls fn for each
// varint or length-delimited field. Fields of other wire types are skipped.
// Malformed input yields an error marked errors.ErrValidation.
func Walk(b []byte, fn func(Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Mark(errors.Wrap(protowire.ParseError(n), "malformed field tag"), errors.ErrValidation)
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return errors.Mark(errors.Wrapf(protowire.ParseError(m), "field %d", num), errors.ErrValidation)
			}
			f.Varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return errors.Mark(errors.Wrapf(protowire.ParseError(m), "field %d", num), errors.ErrValidation)
			}
			f.Bytes = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return errors.Mark(errors.Wrapf(protowire.ParseError(m), "field %d", num), errors.ErrValidation)
			}
			b = b[m:]
			continue
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// ExpectBytes returns a validation error unless f is length-delimited.
func ExpectBytes(f Field) error {
	if f.Type != protowire.BytesType {
		return errors.NewValidationf("field %d: expected length-delimited, got wire type %d", f.Num, f.Type)
	}
	return nil
}

// ExpectVarint returns a validation error unless f is a varint.
func ExpectVarint(f Field) error {
	if f.Type != protowire.VarintType {
		return errors.NewValidationf("field %d: expected varint, got wire type %d", f.Num, f.Type)
	}
	return nil
}
