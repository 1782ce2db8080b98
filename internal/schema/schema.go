// Package schema resolves Confluent wire-format Avro payloads against a schema registry.
package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/hamba/avro/v2"
)

// Confluent wire format: magic byte followed by a 4-byte big-endian schema id.
const (
	magicByte  = 0x00
	headerSize = 5
)

// ID identifies a writer schema in the registry.
type ID int

// Field describes one record field in declaration order.
type Field struct {
	Name       string
	Type       string
	Default    any
	HasDefault bool
}

// Schema is a parsed Avro record schema. It is never mutated after Parse.
type Schema struct {
	ID     ID
	Name   string
	Fields []Field
	Text   string

	avro avro.Schema
}

// Parse parses registry schema text into a Schema.
// Only record schemas are accepted.
func Parse(id ID, text []byte) (*Schema, error) {
	parsed, err := avro.ParseBytes(text)
	if err != nil {
		return nil, fmt.Errorf("%w: schema %d: %w", ErrSchemaInvalid, id, err)
	}
	rec, ok := parsed.(*avro.RecordSchema)
	if !ok {
		return nil, fmt.Errorf("%w: schema %d is %s, expected record", ErrSchemaInvalid, id, parsed.Type())
	}

	s := &Schema{
		ID:     id,
		Name:   rec.FullName(),
		Fields: make([]Field, 0, len(rec.Fields())),
		Text:   string(text),
		avro:   rec,
	}
	for _, f := range rec.Fields() {
		field := Field{
			Name:       f.Name(),
			Type:       string(f.Type().Type()),
			HasDefault: f.HasDefault(),
		}
		if field.HasDefault {
			field.Default = f.Default()
		}
		s.Fields = append(s.Fields, field)
	}
	return s, nil
}

// Record is a decoded payload tagged with the writer schema that produced it.
type Record struct {
	SchemaID ID
	Fields   map[string]any
}

// ReadHeader extracts the schema id from a Confluent wire-format payload and
// returns the remaining Avro body.
func ReadHeader(data []byte) (ID, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedEnvelope, len(data), headerSize)
	}
	if data[0] != magicByte {
		return 0, nil, fmt.Errorf("%w: unknown magic byte 0x%02x", ErrMalformedEnvelope, data[0])
	}
	return ID(binary.BigEndian.Uint32(data[1:headerSize])), data[headerSize:], nil
}

// HasHeader reports whether data looks like a Confluent wire-format payload.
func HasHeader(data []byte) bool {
	return len(data) >= headerSize && data[0] == magicByte
}

// Encode produces the wire-format bytes for fields under s. It is the inverse of Decoder.Decode.
func Encode(s *Schema, fields map[string]any) ([]byte, error) {
	body, err := avro.Marshal(s.avro, fields)
	if err != nil {
		return nil, fmt.Errorf("encode with schema %d: %w", s.ID, err)
	}
	out := make([]byte, headerSize, headerSize+len(body))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:headerSize], uint32(s.ID))
	return append(out, body...), nil
}
