package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface representing constrained attribute values.
// Only Null, String, Int, Bool and Decimal implement it.
// NO float - fractional numbers are always Decimal.
type Value interface {
	value() // Sealed - only these types implement it
}

// Null represents an absent attribute value.
// Using an explicit type ensures all Values satisfy the sealed interface.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String represents a string attribute value.
type String string

func (String) value() {}

// Int represents an integer attribute value.
type Int int64

func (Int) value() {}

// Bool represents a boolean attribute value.
type Bool bool

func (Bool) value() {}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Equal reports whether two values are equal.
// Decimals compare numerically; an Int and a Decimal with the same numeric
// value are equal. nil and Null are equal.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if da, ok := AsDecimal(a); ok {
		if db, ok := AsDecimal(b); ok {
			return da.Cmp(db) == 0
		}
		return false
	}
	return a == b
}

// AsDecimal returns v as a Decimal if it is numeric.
func AsDecimal(v Value) (Decimal, bool) {
	switch val := v.(type) {
	case Decimal:
		return val, true
	case Int:
		return DecimalFromInt(int64(val)), true
	default:
		return Decimal{}, false
	}
}

// Row is a flat map of attribute name to Value.
// Use SortedKeys() for deterministic iteration.
type Row map[string]Value

// Get returns the attribute value, or Null if absent.
func (r Row) Get(attr string) Value {
	if v, ok := r[attr]; ok && v != nil {
		return v
	}
	return Null{}
}

// Str returns the attribute as a plain string, or "" if it is not a String.
func (r Row) Str(attr string) string {
	if s, ok := r.Get(attr).(String); ok {
		return string(s)
	}
	return ""
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with every attribute of patch applied.
func (r Row) Merge(patch Row) Row {
	out := r.Clone()
	if out == nil {
		out = make(Row, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Diff returns the names of attributes whose values differ between a and b,
// in sorted order. Attributes missing on one side compare as Null.
func Diff(a, b Row) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var changed []string
	for _, r := range []Row{a, b} {
		for k := range r {
			if seen[k] {
				continue
			}
			seen[k] = true
			if !Equal(a.Get(k), b.Get(k)) {
				changed = append(changed, k)
			}
		}
	}
	slices.SortFunc(changed, compareKeysRFC8785)
	return changed
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 which produces DIFFERENT order.
func (r Row) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := len(a16)
	if len(b16) < minLen {
		minLen = len(b16)
	}

	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	if len(a16) < len(b16) {
		return -1
	}
	if len(a16) > len(b16) {
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler for Row with sorted keys.
// NOTE: This is NOT canonical marshaling - it may HTML-escape strings.
// Use MarshalCanonical for storage and hashing.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range r.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(r[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler for Row.
// Integers decode as Int, numbers with a fraction or exponent as Decimal.
func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	*r = make(Row, len(raw))
	for k, v := range raw {
		val, err := FromAny(v)
		if err != nil {
			return fmt.Errorf("row key %q: %w", k, err)
		}
		(*r)[k] = val
	}
	return nil
}

// MarshalValue marshals a Value to JSON bytes.
// Decimals are written as JSON numbers in plain notation ("1000.00").
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Decimal:
		return []byte(val.String()), nil
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// FromAny converts a decoded JSON or YAML value into a Value.
//
// json.Number values containing a fraction or exponent become Decimal;
// float64 (from decoders without UseNumber, e.g. YAML) is rejected unless
// it is integral, because binary floats cannot represent money exactly.
// Pass decimals from YAML as strings and let schema normalization parse them.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return ParseDecimal(s)
		}
		n, err := val.Int64()
		if err != nil {
			return ParseDecimal(s)
		}
		return Int(n), nil
	case float64:
		if val == float64(int64(val)) {
			return Int(int64(val)), nil
		}
		return nil, fmt.Errorf("floats are forbidden, quote fractional values: %v", val)
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// RowFromMap converts a generic map into a Row via FromAny.
func RowFromMap(m map[string]any) (Row, error) {
	row := make(Row, len(m))
	for k, v := range m {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		row[k] = val
	}
	return row, nil
}
