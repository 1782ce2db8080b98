package consumer

import (
	"errors"

	"github.com/lsm/ccsr/internal/progress"
	"github.com/lsm/ccsr/internal/schema"
)

// ErrTransportFatal marks transport failures the loop cannot recover from.
var ErrTransportFatal = errors.New("transport fatal")

// Reason codes used in skip lines, log attributes, metric labels and DLQ headers.
const (
	ReasonMalformedEnvelope = "MALFORMED_ENVELOPE"
	ReasonSchemaInvalid     = "SCHEMA_INVALID"
	ReasonSchemaUnavailable = "SCHEMA_UNAVAILABLE"
	ReasonFieldMismatch     = "FIELD_MISMATCH"
	ReasonOutOfOrderOffset  = "OUT_OF_ORDER_OFFSET"
	ReasonTransportFatal    = "TRANSPORT_FATAL"
	ReasonUnknown           = "UNKNOWN"
)

// Reason maps an error to its stable reason code.
func Reason(err error) string {
	switch {
	case errors.Is(err, schema.ErrMalformedEnvelope):
		return ReasonMalformedEnvelope
	case errors.Is(err, schema.ErrSchemaInvalid):
		return ReasonSchemaInvalid
	case errors.Is(err, schema.ErrSchemaUnavailable):
		return ReasonSchemaUnavailable
	case errors.Is(err, schema.ErrFieldMismatch):
		return ReasonFieldMismatch
	case errors.Is(err, progress.ErrOutOfOrderOffset):
		return ReasonOutOfOrderOffset
	case errors.Is(err, ErrTransportFatal):
		return ReasonTransportFatal
	default:
		return ReasonUnknown
	}
}
