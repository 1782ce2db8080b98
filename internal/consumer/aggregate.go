package consumer

import (
	"fmt"
	"strconv"

	"github.com/lsm/ccsr/internal/schema"
)

// Aggregate is the running state folded from processed records.
type Aggregate struct {
	Total     float64
	Processed int64
	Skipped   int64
	LastKey   string
}

// Fold adds value to the total and returns the new total.
func (a *Aggregate) Fold(key string, value float64) float64 {
	a.Total += value
	a.Processed++
	a.LastKey = key
	return a.Total
}

// NumericField returns the named field of rec as a float64. A nullable union
// decoded as a single-entry map is unwrapped.
func NumericField(rec *schema.Record, name string) (float64, error) {
	v, ok := rec.Fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: record has no field %q", schema.ErrFieldMismatch, name)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is %T, not a number", schema.ErrFieldMismatch, name, v)
	}
	return f, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case map[string]any:
		if len(n) != 1 {
			return 0, false
		}
		for _, inner := range n {
			return toFloat(inner)
		}
	}
	return 0, false
}

// FormatNumber renders n without a trailing ".0" for whole values.
func FormatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
