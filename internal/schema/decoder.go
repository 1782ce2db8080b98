package schema

import (
	"context"
	"fmt"

	"github.com/hamba/avro/v2"
)

// Resolver returns the writer schema for an id. *Cache implements it.
type Resolver interface {
	Resolve(ctx context.Context, id ID) (*Schema, error)
}

// Decoder turns Confluent wire-format payloads into Records.
type Decoder struct {
	resolver Resolver
	reader   *Schema
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithReaderSchema makes the decoder check every record against the
// consumer's own view of the record. Fields the writer did not know about are
// filled from the reader's defaults; a reader field without a default that the
// writer lacks is a field mismatch.
func WithReaderSchema(s *Schema) DecoderOption {
	return func(d *Decoder) { d.reader = s }
}

// NewDecoder creates a decoder resolving writer schemas through r.
func NewDecoder(r Resolver, opts ...DecoderOption) *Decoder {
	d := &Decoder{resolver: r}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode reads the envelope, resolves the writer schema and decodes the body
// in field declaration order. Identical input always yields an identical Record.
func (d *Decoder) Decode(ctx context.Context, data []byte) (*Record, error) {
	id, body, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}

	writer, err := d.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any, len(writer.Fields))
	if err := avro.Unmarshal(writer.avro, body, &fields); err != nil {
		return nil, fmt.Errorf("%w: body does not match schema %d: %w", ErrFieldMismatch, id, err)
	}

	if err := applyDefaults(writer, fields); err != nil {
		return nil, err
	}
	if d.reader != nil {
		if err := applyDefaults(d.reader, fields); err != nil {
			return nil, fmt.Errorf("writer schema %d vs reader %s: %w", id, d.reader.Name, err)
		}
	}

	return &Record{SchemaID: id, Fields: fields}, nil
}

// applyDefaults fills absent fields declared by s and reports any required field still missing.
func applyDefaults(s *Schema, fields map[string]any) error {
	for _, f := range s.Fields {
		if _, ok := fields[f.Name]; ok {
			continue
		}
		if !f.HasDefault {
			return fmt.Errorf("%w: required field %q is missing", ErrFieldMismatch, f.Name)
		}
		fields[f.Name] = f.Default
	}
	return nil
}
