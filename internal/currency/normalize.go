// Package currency is the single choke point for monetary values.
// Every amount must pass through Normalize before it is persisted, so that
// stored money is always an exact integer number of centavos.
package currency

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultTolerance absorbs binary floating-point noise from upstream
// arithmetic. Differences beyond it are data-integrity bugs, not noise.
const DefaultTolerance = 0.2

// PrecisionError reports a value too far from an integer to coerce safely.
type PrecisionError struct {
	Field string
	Value float64
	Diff  float64
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("currency: field %q value %v is %.6f away from an integer (tolerance exceeded)", e.Field, e.Value, e.Diff)
}

// Normalizer validates and rounds monetary values. The zero value is not
// usable; construct with New.
type Normalizer struct {
	tolerance float64
	logger    *slog.Logger
}

// New builds a Normalizer. A non-positive tolerance falls back to
// DefaultTolerance; the tolerance is a policy parameter so tenants with
// no-minor-unit currencies can widen or disable coercion.
func New(tolerance float64, logger *slog.Logger) *Normalizer {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{tolerance: tolerance, logger: logger}
}

// Normalize converts value into integer centavos.
// nil becomes 0, integers pass through, and floats within tolerance of an
// integer are rounded (with a warning). Anything else is a PrecisionError.
func (n *Normalizer) Normalize(value any, field string) (int64, error) {
	if value == nil {
		return 0, nil
	}
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case decimal.Decimal:
		if v.IsInteger() {
			return v.IntPart(), nil
		}
		f, _ := v.Float64()
		return n.normalizeFloat(f, field)
	case float32:
		return n.normalizeFloat(float64(v), field)
	case float64:
		return n.normalizeFloat(v, field)
	default:
		return 0, &PrecisionError{Field: field, Value: math.NaN(), Diff: math.Inf(1)}
	}
}

func (n *Normalizer) normalizeFloat(value float64, field string) (int64, error) {
	if value == math.Trunc(value) && !math.IsInf(value, 0) {
		return int64(value), nil
	}
	rounded := math.Round(value)
	diff := math.Abs(value - rounded)
	if diff > n.tolerance {
		return 0, &PrecisionError{Field: field, Value: value, Diff: diff}
	}
	n.logger.Warn("coerced fractional currency value",
		slog.String("field", field),
		slog.Float64("value", value),
		slog.Float64("diff", diff))
	return int64(rounded), nil
}

// currencySuffixes marks fields that hold money.
var currencySuffixes = []string{
	"Amount", "Balance", "Due", "Paid", "Total", "Credit", "Debit",
	"Price", "Fee", "Charge",
}

// excludedFragments marks ratio-like fields that must never be coerced.
var excludedFragments = []string{"Rate", "Percent"}

// IsCurrencyField reports whether a field name looks like a monetary field.
// Matching is case-insensitive so a bare "amount" or "total" is caught, not
// only the camelCase "baseAmount" form.
func IsCurrencyField(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range excludedFragments {
		if strings.Contains(lower, strings.ToLower(frag)) {
			return false
		}
	}
	for _, suffix := range currencySuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// NormalizeDocument walks a document and normalizes every field whose name
// matches the currency heuristic, recursing into nested maps and slices.
// The document is mutated in place.
func (n *Normalizer) NormalizeDocument(doc map[string]any, path string) error {
	for key, value := range doc {
		fieldPath := key
		if path != "" {
			fieldPath = path + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			if err := n.NormalizeDocument(v, fieldPath); err != nil {
				return err
			}
		case []any:
			for i, item := range v {
				nested, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if err := n.NormalizeDocument(nested, fmt.Sprintf("%s[%d]", fieldPath, i)); err != nil {
					return err
				}
			}
		default:
			if !IsCurrencyField(key) {
				continue
			}
			normalized, err := n.Normalize(value, fieldPath)
			if err != nil {
				return err
			}
			doc[key] = normalized
		}
	}
	return nil
}
