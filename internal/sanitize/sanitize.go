// Package sanitize renders arbitrary tool results into strictly JSON-valid
// values.
//
// Go's encoding/json rejects NaN and the infinities outright, and downstream
// JSON parsers in common agent ecosystems reject integers above 2^53
// significant bits or impose digit caps. Sanitize rewrites both classes of
// value into safe representations so that every response body the kernel
// produces serialises without error and parses under a strict parser.
package sanitize

import (
	"encoding"
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
)

// DefaultBigIntThreshold is the decimal-digit count above which integers are
// emitted as strings when stringification is enabled.
const DefaultBigIntThreshold = 1000

// Options controls integer stringification.
type Options struct {
	// StringifyBigInts enables rendering of very large integers as decimal
	// strings instead of JSON numbers.
	StringifyBigInts bool

	// BigIntThreshold is the decimal-digit count above which an integer is
	// stringified. Zero or negative falls back to [DefaultBigIntThreshold].
	BigIntThreshold int
}

// DefaultOptions returns the options the kernel uses unless overridden by
// configuration: stringification on, threshold 1000 digits.
func DefaultOptions() Options {
	return Options{StringifyBigInts: true, BigIntThreshold: DefaultBigIntThreshold}
}

func (o Options) threshold() int {
	if o.BigIntThreshold <= 0 {
		return DefaultBigIntThreshold
	}
	return o.BigIntThreshold
}

// Sanitize returns a value equal in shape to v that serialises to strictly
// valid JSON. Maps, slices, structs and pointers are rewritten recursively;
// huge integers become decimal strings when opts enables it; non-finite
// floats become the sentinel strings "Infinity", "-Infinity", and "NaN".
// All other scalars pass through unchanged.
func Sanitize(v any, opts Options) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Sanitize(val, opts)
		}
		return out

	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val, opts)
		}
		return out

	case *big.Int:
		if t == nil {
			return nil
		}
		return sanitizeBigInt(t, opts)

	case big.Int:
		return sanitizeBigInt(&t, opts)

	case json.Number:
		return sanitizeNumber(t, opts)

	case float64:
		return sanitizeFloat(t)

	case float32:
		return sanitizeFloat(float64(t))

	default:
		return sanitizeAny(v, opts)
	}
}

// Marshal sanitises v and encodes it as compact JSON. It never produces the
// non-standard NaN/Infinity tokens; after Sanitize the encoder cannot fail on
// numeric values.
func Marshal(v any, opts Options) ([]byte, error) {
	return json.Marshal(Sanitize(v, opts))
}

// sanitizeAny handles the shapes the fast-path type switch does not: result
// structs returned by tool handles, typed maps and slices, and pointers to
// any of those. Values that carry their own JSON encoding are trusted as-is.
func sanitizeAny(v any, opts Options) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case json.Marshaler, encoding.TextMarshaler:
		return v
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Sanitize(rv.Elem().Interface(), opts)

	case reflect.Struct:
		return sanitizeStruct(rv, opts)

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Sanitize(iter.Value().Interface(), opts)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		// []byte keeps encoding/json's base64 rendering.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Sanitize(rv.Index(i).Interface(), opts)
		}
		return out

	default:
		return v
	}
}

// sanitizeStruct rewrites a struct into a map following encoding/json field
// rules: exported fields only, json tags for naming and omission, anonymous
// struct fields flattened.
func sanitizeStruct(rv reflect.Value, opts Options) any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := rv.Field(i)

		tag := f.Tag.Get("json")
		if f.Anonymous && tag == "" && f.Type.Kind() == reflect.Struct {
			if m, ok := sanitizeStruct(fv, opts).(map[string]any); ok {
				for k, val := range m {
					if _, exists := out[k]; !exists {
						out[k] = val
					}
				}
			}
			continue
		}

		name := f.Name
		omitempty := false
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" && len(parts) == 1 {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, p := range parts[1:] {
				if p == "omitempty" {
					omitempty = true
				}
			}
		}
		if omitempty && isEmptyValue(fv) {
			continue
		}
		out[name] = Sanitize(fv.Interface(), opts)
	}
	return out
}

// isEmptyValue mirrors encoding/json's omitempty test.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return v.IsZero()
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func sanitizeBigInt(n *big.Int, opts Options) any {
	s := n.String()
	digits := len(s)
	if n.Sign() < 0 {
		digits--
	}
	if opts.StringifyBigInts && digits > opts.threshold() {
		return s
	}
	if n.IsInt64() {
		return n.Int64()
	}
	// Too large for int64 but under the stringification threshold: emit as a
	// raw JSON number so the exact value survives serialisation.
	return json.RawMessage(s)
}

// sanitizeNumber handles json.Number values produced by decoders configured
// with UseNumber. Integral numbers above the threshold are stringified.
func sanitizeNumber(n json.Number, opts Options) any {
	s := n.String()
	if i, ok := new(big.Int).SetString(s, 10); ok {
		return sanitizeBigInt(i, opts)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return sanitizeFloat(f)
	}
	return s
}

func sanitizeFloat(f float64) any {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	default:
		return f
	}
}
