package schema

import "errors"

// Decode failure categories. Callers match them with errors.Is; the concrete
// error always carries the schema id or byte offset that caused it.
var (
	// ErrMalformedEnvelope means the payload has no Confluent wire-format header.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrSchemaInvalid means the registry returned data that is not a usable Avro record schema.
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrSchemaUnavailable means the schema is not cached and the registry could not supply it.
	ErrSchemaUnavailable = errors.New("schema unavailable")

	// ErrSchemaNotFound is returned by a Registry when the id is unknown to it.
	// The cache reports it wrapped in ErrSchemaUnavailable.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrFieldMismatch means the payload does not satisfy the schema's fields.
	ErrFieldMismatch = errors.New("field mismatch")
)
