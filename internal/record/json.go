package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// ErrNonFinite is returned when encoding NaN or an infinity.
var ErrNonFinite = errors.New("record: non-finite number")

// Decode parses JSON into a Value, keeping object key order.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("record: decode: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New("record: decode: trailing data")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return NumberLiteral(t.String())
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			out := Value{kind: KindArray, elems: []Value{}}
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				out.elems = append(out.elems, e)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return out, nil
		case '{':
			out := Value{kind: KindMap, fields: []Field{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				out.fields = setField(out.fields, key, val)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return out, nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// Encode renders v as compact JSON with map keys in stored order.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return ErrNonFinite
		}
		if v.lit != "" {
			buf.WriteString(v.lit)
		} else {
			buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
		}
	case KindString:
		s, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(s)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(f.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := encodeValue(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// Size returns the encoded byte length of v.
func Size(v Value) (int, error) {
	data, err := Encode(v)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return Encode(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Decode(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded Go tree (map[string]any, []any, scalars) into
// a Value. Go maps have no order, so their keys are sorted.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return NumberLiteral(strconv.Itoa(t))
	case int32:
		return Number(float64(t)), nil
	case int64:
		return NumberLiteral(strconv.FormatInt(t, 10))
	case json.Number:
		return NumberLiteral(t.String())
	case []any:
		out := Value{kind: KindArray, elems: make([]Value, len(t))}
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out.elems[i] = ev
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := Value{kind: KindMap, fields: make([]Field, 0, len(t))}
		for _, k := range keys {
			fv, err := FromAny(t[k])
			if err != nil {
				return Value{}, err
			}
			out.fields = append(out.fields, Field{Key: k, Value: fv})
		}
		return out, nil
	}
	return Value{}, fmt.Errorf("record: unsupported type %T", x)
}

// ToAny converts v to plain Go values.
func ToAny(v Value) any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.lit != "" {
			return json.Number(v.lit)
		}
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.elems))
		for i, e := range v.elems {
			out[i] = ToAny(e)
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = ToAny(f.Value)
		}
		return out
	}
	return nil
}
