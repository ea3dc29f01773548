// Package schema describes the fixed binary layouts streamed by the e-nose
// firmware. A Schema is built once at startup and never changes; its field
// order is both the wire order and the output column order.
package schema

import (
	"errors"
	"fmt"
)

// Type is the numeric type of a single packet field. All types are encoded
// little-endian.
type Type uint8

const (
	Float32 Type = iota + 1
	Int32
	Uint32
	Int16
	Uint16
)

// Size returns the encoded width of t in bytes, or 0 for an unknown type.
func (t Type) Size() int {
	switch t {
	case Float32, Int32, Uint32:
		return 4
	case Int16, Uint16:
		return 2
	default:
		return 0
	}
}

// IsFloat reports whether t carries a floating-point value.
func (t Type) IsFloat() bool {
	return t == Float32
}

func (t Type) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Field is one named value in a packet.
type Field struct {
	Name string
	Type Type
}

// Schema is an immutable, ordered packet layout.
type Schema struct {
	name   string
	fields []Field
	size   int
}

// ErrInvalidSchema is returned when a field list cannot form a valid layout.
var ErrInvalidSchema = errors.New("schema: invalid layout")

// New validates fields and builds a Schema named name. Field names must be
// non-empty and unique, and every field must have a known type.
func New(name string, fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s has no fields", ErrInvalidSchema, name)
	}

	seen := make(map[string]bool, len(fields))
	size := 0
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field %d has no name", ErrInvalidSchema, i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		}
		seen[f.Name] = true

		w := f.Type.Size()
		if w == 0 {
			return nil, fmt.Errorf("%w: field %q has unknown type %s", ErrInvalidSchema, f.Name, f.Type)
		}
		size += w
	}

	cp := make([]Field, len(fields))
	copy(cp, fields)
	return &Schema{name: name, fields: cp, size: size}, nil
}

// Name returns the layout name, e.g. "legacy" or "lockin".
func (s *Schema) Name() string { return s.name }

// Size returns the expected packet length in bytes.
func (s *Schema) Size() int { return s.size }

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field {
	cp := make([]Field, len(s.fields))
	copy(cp, s.fields)
	return cp
}

// Names returns the field names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field, or -1.
func (s *Schema) Index(name string) int {
	for i, f := range s.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}
