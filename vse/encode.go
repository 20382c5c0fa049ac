package vse

import (
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
)

// Field numbers. They are part of the signed wire format and must not change.
const (
	keyFieldName        = 1
	keyFieldType        = 2
	keyFieldFormat      = 3
	keyFieldPublicKey   = 4
	keyFieldPrivateKey  = 5
	keyFieldCertificate = 6

	entityFieldType        = 1
	entityFieldKey         = 2
	entityFieldMeasurement = 3

	clauseFieldSubject = 1
	clauseFieldVerb    = 2
	clauseFieldObject  = 3
	clauseFieldClause  = 4
)

// Marshal encodes the key deterministically.
func (k *Key) Marshal() ([]byte, error) {
	if k == nil {
		return nil, errors.NewValidationf("nil key")
	}
	if err := k.validate(); err != nil {
		return nil, err
	}
	return k.appendTo(nil), nil
}

func (k *Key) appendTo(b []byte) []byte {
	b = wire.AppendString(b, keyFieldName, k.Name)
	b = wire.AppendString(b, keyFieldType, k.Type)
	b = wire.AppendString(b, keyFieldFormat, k.Format)
	b = wire.AppendBytes(b, keyFieldPublicKey, k.PublicKey)
	b = wire.AppendBytes(b, keyFieldPrivateKey, k.PrivateKey)
	b = wire.AppendBytes(b, keyFieldCertificate, k.Certificate)
	return b
}

// UnmarshalKey decodes a key produced by Marshal.
func UnmarshalKey(data []byte) (*Key, error) {
	if len(data) == 0 {
		return nil, errors.NewValidationf("key buffer is empty")
	}
	if len(data) > 4*MaxKeyBytes {
		return nil, errors.NewValidationf("key buffer of %d bytes exceeds limit", len(data))
	}

	k := &Key{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case keyFieldName:
			k.Name = f.String()
		case keyFieldType:
			k.Type = f.String()
		case keyFieldFormat:
			k.Format = f.String()
		case keyFieldPublicKey:
			k.PublicKey = f.CopyBytes()
		case keyFieldPrivateKey:
			k.PrivateKey = f.CopyBytes()
		case keyFieldCertificate:
			k.Certificate = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode key")
	}
	if err := k.validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Marshal encodes the entity deterministically.
func (e *Entity) Marshal() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e.appendTo(nil), nil
}

func (e *Entity) validate() error {
	if e == nil {
		return errors.NewValidationf("nil entity")
	}
	switch e.Type {
	case EntityKey:
		if e.Key == nil {
			return errors.NewValidationf("key entity without key")
		}
		return e.Key.validate()
	case EntityMeasurement:
		return checkMeasurement(e.Measurement)
	}
	return errors.NewValidationf("unknown entity type %q", e.Type)
}

func (e *Entity) appendTo(b []byte) []byte {
	b = wire.AppendString(b, entityFieldType, string(e.Type))
	if e.Type == EntityKey {
		b = wire.AppendMessage(b, entityFieldKey, e.Key.appendTo(nil))
	}
	b = wire.AppendBytes(b, entityFieldMeasurement, e.Measurement)
	return b
}

// UnmarshalEntity decodes an entity produced by Marshal.
func UnmarshalEntity(data []byte) (*Entity, error) {
	if len(data) == 0 {
		return nil, errors.NewValidationf("entity buffer is empty")
	}
	e := &Entity{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		switch f.Num {
		case entityFieldType:
			e.Type = EntityType(f.String())
		case entityFieldKey:
			k, err := UnmarshalKey(f.Bytes)
			if err != nil {
				return err
			}
			e.Key = k
		case entityFieldMeasurement:
			if err := checkMeasurement(f.Bytes); err != nil {
				return err
			}
			e.Measurement = f.CopyBytes()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode entity")
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Marshal encodes the clause deterministically.
func (c *Clause) Marshal() ([]byte, error) {
	if err := c.validate(1); err != nil {
		return nil, err
	}
	b := c.appendTo(nil)
	if len(b) > MaxClauseBytes {
		return nil, errors.NewValidationf("clause of %d bytes exceeds %d", len(b), MaxClauseBytes)
	}
	return b, nil
}

func (c *Clause) validate(depth int) error {
	if c == nil {
		return errors.NewValidationf("nil clause")
	}
	if depth > MaxClauseDepth {
		return errors.NewValidationf("clause depth exceeds %d", MaxClauseDepth)
	}
	if err := checkSubjectVerb(c.Subject, c.Verb); err != nil {
		return err
	}
	if err := c.Subject.validate(); err != nil {
		return err
	}
	if c.Object != nil && c.Clause != nil {
		return errors.NewValidationf("clause has both an object and an inner clause")
	}
	if c.Object != nil {
		return c.Object.validate()
	}
	if c.Clause != nil {
		return c.Clause.validate(depth + 1)
	}
	return nil
}

func (c *Clause) appendTo(b []byte) []byte {
	b = wire.AppendMessage(b, clauseFieldSubject, c.Subject.appendTo(nil))
	b = wire.AppendString(b, clauseFieldVerb, c.Verb)
	if c.Object != nil {
		b = wire.AppendMessage(b, clauseFieldObject, c.Object.appendTo(nil))
	}
	if c.Clause != nil {
		b = wire.AppendMessage(b, clauseFieldClause, c.Clause.appendTo(nil))
	}
	return b
}

// UnmarshalClause decodes a clause produced by Marshal.
func UnmarshalClause(data []byte) (*Clause, error) {
	if len(data) == 0 {
		return nil, errors.NewValidationf("clause buffer is empty")
	}
	if len(data) > MaxClauseBytes {
		return nil, errors.NewValidationf("clause buffer of %d bytes exceeds %d", len(data), MaxClauseBytes)
	}
	c, err := unmarshalClause(data, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode clause")
	}
	return c, nil
}

func unmarshalClause(data []byte, depth int) (*Clause, error) {
	if depth > MaxClauseDepth {
		return nil, errors.NewValidationf("clause depth exceeds %d", MaxClauseDepth)
	}
	c := &Clause{}
	err := wire.Walk(data, func(f wire.Field) error {
		if err := wire.ExpectBytes(f); err != nil {
			return err
		}
		var err error
		switch f.Num {
		case clauseFieldSubject:
			c.Subject, err = UnmarshalEntity(f.Bytes)
		case clauseFieldVerb:
			c.Verb = f.String()
		case clauseFieldObject:
			c.Object, err = UnmarshalEntity(f.Bytes)
		case clauseFieldClause:
			c.Clause, err = unmarshalClause(f.Bytes, depth+1)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := c.validate(depth); err != nil {
		return nil, err
	}
	return c, nil
}
