// Package record models persistable documents as a tagged union of
// null, bool, number, string, array and ordered map values.
package record

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// Kind identifies which variant a Value holds
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is one key/value pair of a map. Maps keep fields in insertion order.
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for building a Field.
func F(key string, v Value) Field {
	return Field{Key: key, Value: v}
}

// Value is an immutable record node. The zero Value is null.
//
// Slices returned by Elements and Fields are shared with the Value and
// must not be modified.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	lit    string // decoded text, kept only when n cannot reproduce it
	s      string
	elems  []Value
	fields []Field
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// NumberLiteral parses a JSON number. The literal is kept verbatim when
// float64 would lose digits, so large integers survive a round trip.
func NumberLiteral(text string) (Value, error) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Value{}, fmt.Errorf("record: number %q: %w", text, err)
	}
	v := Value{kind: KindNumber, n: f}
	if strconv.FormatFloat(f, 'g', -1, 64) != text {
		v.lit = text
	}
	return v, nil
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array builds an ordered sequence.
func Array(elems ...Value) Value {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{kind: KindArray, elems: cp}
}

// Map builds an ordered map. A repeated key replaces the earlier value in
// its original position.
func Map(fields ...Field) Value {
	v := Value{kind: KindMap, fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		v.fields = setField(v.fields, f.Key, f.Value)
	}
	return v
}

func setField(fields []Field, key string, val Value) []Field {
	for i := range fields {
		if fields[i].Key == key {
			fields[i].Value = val
			return fields
		}
	}
	return append(fields, Field{Key: key, Value: val})
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsMap() bool    { return v.kind == KindMap }
func (v Value) IsArray() bool  { return v.kind == KindArray }
func (v Value) IsString() bool { return v.kind == KindString }

// AsBool returns the boolean and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// IsFinite reports whether a number value is neither NaN nor infinite.
// Non-number values report true.
func (v Value) IsFinite() bool {
	if v.kind != KindNumber {
		return true
	}
	return !math.IsNaN(v.n) && !math.IsInf(v.n, 0)
}

// Len returns the element count for arrays, the field count for maps and
// zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.elems)
	case KindMap:
		return len(v.fields)
	default:
		return 0
	}
}

// Elements returns array elements.
func (v Value) Elements() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.elems
}

// Fields returns map fields in order.
func (v Value) Fields() []Field {
	if v.kind != KindMap {
		return nil
	}
	return v.fields
}

// Keys returns map keys in order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.fields))
	for _, f := range v.fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// Get looks up a map key.
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// With returns a copy of map v with key set to val. Setting on a non-map
// starts a new map.
func (v Value) With(key string, val Value) Value {
	out := Value{kind: KindMap, fields: make([]Field, len(v.fields), len(v.fields)+1)}
	copy(out.fields, v.fields)
	out.fields = setField(out.fields, key, val)
	return out
}

// Merge overlays the top-level fields of patch onto v. Fields absent from
// patch are preserved; the result keeps v's key order and appends new keys.
func (v Value) Merge(patch Value) Value {
	if !v.IsMap() {
		return patch.Clone()
	}
	out := v.Clone()
	for _, f := range patch.fields {
		out.fields = setField(out.fields, f.Key, f.Value.Clone())
	}
	return out
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		out := Value{kind: KindArray, elems: make([]Value, len(v.elems))}
		for i, e := range v.elems {
			out.elems[i] = e.Clone()
		}
		return out
	case KindMap:
		out := Value{kind: KindMap, fields: make([]Field, len(v.fields))}
		for i, f := range v.fields {
			out.fields[i] = Field{Key: f.Key, Value: f.Value.Clone()}
		}
		return out
	default:
		return v
	}
}

// Equal reports semantic equality. Map key order is ignored; array order
// is not.
func Equal(a, b Value) bool {
	return equal(a, b, false)
}

// Identical is Equal that also requires maps to share key order.
func Identical(a, b Value) bool {
	return equal(a, b, true)
}

func equal(a, b Value, ordered bool) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return numberEqual(a, b)
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.elems) != len(b.elems) {
			return false
		}
		for i := range a.elems {
			if !equal(a.elems[i], b.elems[i], ordered) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for i, f := range a.fields {
			if ordered {
				if b.fields[i].Key != f.Key || !equal(f.Value, b.fields[i].Value, ordered) {
					return false
				}
				continue
			}
			other, ok := b.Get(f.Key)
			if !ok || !equal(f.Value, other, ordered) {
				return false
			}
		}
		return true
	}
	return false
}

func numberEqual(a, b Value) bool {
	if a.lit == "" && b.lit == "" {
		return a.n == b.n || (math.IsNaN(a.n) && math.IsNaN(b.n))
	}
	ra, rb := a.rat(), b.rat()
	if ra == nil || rb == nil {
		return false
	}
	return ra.Cmp(rb) == 0
}

func (v Value) rat() *big.Rat {
	if v.lit != "" {
		r, ok := new(big.Rat).SetString(v.lit)
		if !ok {
			return nil
		}
		return r
	}
	if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
		return nil
	}
	return new(big.Rat).SetFloat64(v.n)
}
