// Package vse implements the entity and clause model of the trust framework.
//
// A clause is a statement whose subject is an entity (a key or a measurement)
// and whose verb is a predicate name. Three shapes exist: unary
// ("K is-trusted"), simple ("K speaks-for M") and indirect
// ("K says <clause>"), the last one nesting to arbitrary depth.
package vse

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/teranos/certifier/errors"
)

// Limits applied when constructing and decoding. Decoders check them before
// allocating from untrusted length fields.
const (
	MaxMeasurementSize = 64
	MaxKeyBytes        = 16 << 10
	MaxVerbLength      = 128
	MaxNameLength      = 256
	MaxClauseBytes     = 256 << 10
	MaxClauseDepth     = 32
)

// Verbs used by the certifier rules.
const (
	VerbIsTrusted                  = "is-trusted"
	VerbIsTrustedForAttestation    = "is-trusted-for-attestation"
	VerbIsTrustedForAuthentication = "is-trusted-for-authentication"
	VerbSays                       = "says"
	VerbSpeaksFor                  = "speaks-for"
)

// EntityType discriminates the entity variants.
type EntityType string

const (
	EntityKey         EntityType = "key"
	EntityMeasurement EntityType = "measurement"
)

// Entity is either a key description or a measurement digest.
type Entity struct {
	Type        EntityType
	Key         *Key
	Measurement []byte
}

// NewKeyEntity wraps key in an entity. Only the public half is retained.
func NewKeyEntity(key *Key) (*Entity, error) {
	if key == nil {
		return nil, errors.NewValidationf("key entity requires a key")
	}
	if err := key.validate(); err != nil {
		return nil, err
	}
	return &Entity{Type: EntityKey, Key: key.Public()}, nil
}

// NewMeasurementEntity wraps a measurement digest in an entity.
func NewMeasurementEntity(measurement []byte) (*Entity, error) {
	if err := checkMeasurement(measurement); err != nil {
		return nil, err
	}
	m := make([]byte, len(measurement))
	copy(m, measurement)
	return &Entity{Type: EntityMeasurement, Measurement: m}, nil
}

func checkMeasurement(m []byte) error {
	if len(m) == 0 {
		return errors.NewValidationf("measurement is empty")
	}
	if len(m) > MaxMeasurementSize {
		return errors.NewValidationf("measurement of %d bytes exceeds %d", len(m), MaxMeasurementSize)
	}
	return nil
}

// Equal reports whether both entities are the same variant with the same content.
func (e *Entity) Equal(other *Entity) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Type != other.Type {
		return false
	}
	switch e.Type {
	case EntityKey:
		return e.Key.SameKey(other.Key)
	case EntityMeasurement:
		return bytes.Equal(e.Measurement, other.Measurement)
	}
	return false
}

// IsKey reports whether the entity is a key entity.
func (e *Entity) IsKey() bool {
	return e != nil && e.Type == EntityKey && e.Key != nil
}

// IsMeasurement reports whether the entity is a measurement entity.
func (e *Entity) IsMeasurement() bool {
	return e != nil && e.Type == EntityMeasurement && len(e.Measurement) > 0
}

func (e *Entity) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Type {
	case EntityKey:
		return e.Key.String()
	case EntityMeasurement:
		return "Measurement[" + hex.EncodeToString(e.Measurement) + "]"
	}
	return "Entity[" + string(e.Type) + "]"
}

// Shape classifies a clause.
type Shape int

const (
	ShapeUnary Shape = iota
	ShapeSimple
	ShapeIndirect
)

func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeSimple:
		return "simple"
	case ShapeIndirect:
		return "indirect"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// Clause is a vse statement. At most one of Object and Clause is set.
type Clause struct {
	Subject *Entity
	Verb    string
	Object  *Entity
	Clause  *Clause
}

// NewUnaryClause builds "subject verb".
func NewUnaryClause(subject *Entity, verb string) (*Clause, error) {
	if err := checkSubjectVerb(subject, verb); err != nil {
		return nil, err
	}
	return &Clause{Subject: subject, Verb: verb}, nil
}

// NewSimpleClause builds "subject verb object".
func NewSimpleClause(subject *Entity, verb string, object *Entity) (*Clause, error) {
	if err := checkSubjectVerb(subject, verb); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, errors.NewValidationf("simple clause requires an object")
	}
	return &Clause{Subject: subject, Verb: verb, Object: object}, nil
}

// NewIndirectClause builds "subject verb (inner)".
func NewIndirectClause(subject *Entity, verb string, inner *Clause) (*Clause, error) {
	if err := checkSubjectVerb(subject, verb); err != nil {
		return nil, err
	}
	if inner == nil {
		return nil, errors.NewValidationf("indirect clause requires an inner clause")
	}
	if d := inner.Depth() + 1; d > MaxClauseDepth {
		return nil, errors.NewValidationf("clause depth %d exceeds %d", d, MaxClauseDepth)
	}
	return &Clause{Subject: subject, Verb: verb, Clause: inner}, nil
}

func checkSubjectVerb(subject *Entity, verb string) error {
	if subject == nil {
		return errors.NewValidationf("clause requires a subject")
	}
	if verb == "" {
		return errors.NewValidationf("clause verb is empty")
	}
	if len(verb) > MaxVerbLength {
		return errors.NewValidationf("verb of %d bytes exceeds %d", len(verb), MaxVerbLength)
	}
	return nil
}

// Shape reports which of the three clause shapes c has.
func (c *Clause) Shape() Shape {
	switch {
	case c.Clause != nil:
		return ShapeIndirect
	case c.Object != nil:
		return ShapeSimple
	default:
		return ShapeUnary
	}
}

// Depth is 1 for unary and simple clauses and grows by one per nesting level.
func (c *Clause) Depth() int {
	d := 1
	for inner := c.Clause; inner != nil; inner = inner.Clause {
		d++
	}
	return d
}

// Equal reports structural equality.
func (c *Clause) Equal(other *Clause) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Verb != other.Verb || !c.Subject.Equal(other.Subject) {
		return false
	}
	if (c.Object == nil) != (other.Object == nil) || (c.Clause == nil) != (other.Clause == nil) {
		return false
	}
	if c.Object != nil && !c.Object.Equal(other.Object) {
		return false
	}
	if c.Clause != nil {
		return c.Clause.Equal(other.Clause)
	}
	return true
}

func (c *Clause) String() string {
	var sb strings.Builder
	c.writeTo(&sb)
	return sb.String()
}

func (c *Clause) writeTo(sb *strings.Builder) {
	if c == nil {
		sb.WriteString("<nil>")
		return
	}
	sb.WriteString(c.Subject.String())
	sb.WriteByte(' ')
	sb.WriteString(c.Verb)
	switch {
	case c.Object != nil:
		sb.WriteByte(' ')
		sb.WriteString(c.Object.String())
	case c.Clause != nil:
		sb.WriteString(" (")
		c.Clause.writeTo(sb)
		sb.WriteByte(')')
	}
}
