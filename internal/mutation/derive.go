package mutation

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/agentworkforce/boqsync/internal/model"
)

// Deriver recomputes derived fields in place. It must be deterministic: the
// optimistic path and the remote merge path both run it.
type Deriver func(kind model.RecordKind, fields map[string]any)

// DefaultDeriver keeps an item's total in step with quantity and unit_price.
func DefaultDeriver(kind model.RecordKind, fields map[string]any) {
	if kind != model.KindItem || fields == nil {
		return
	}
	quantity, ok := Number(fields["quantity"])
	if !ok {
		return
	}
	unitPrice, ok := Number(fields["unit_price"])
	if !ok {
		return
	}
	fields["total"] = Round2(quantity * unitPrice)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
