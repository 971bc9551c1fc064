package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Vector is an ordered mapping from field name to float64. It holds the full
// state of one scenario. The field layout is fixed at construction and shared
// between snapshots; values are copied.
//
// Accessing a field that was not declared panics: callers are expected to
// validate external input before it reaches a Vector.
type Vector struct {
	fields []string
	index  map[string]int
	values []float64
}

// NewVector creates a zero-valued vector over the given fields. Duplicate
// field names panic.
func NewVector(fields []string) *Vector {
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if _, dup := index[f]; dup {
			panic(fmt.Sprintf("model: duplicate field %q", f))
		}
		index[f] = i
	}
	return &Vector{
		fields: append([]string(nil), fields...),
		index:  index,
		values: make([]float64, len(fields)),
	}
}

// VectorOf creates a vector over fields and assigns the given values.
func VectorOf(fields []string, values map[string]float64) *Vector {
	v := NewVector(fields)
	for f, x := range values {
		v.Set(f, x)
	}
	return v
}

// Fields returns the declared fields in order.
func (v *Vector) Fields() []string {
	return append([]string(nil), v.fields...)
}

// Len returns the number of declared fields.
func (v *Vector) Len() int {
	return len(v.fields)
}

// Has reports whether field is declared.
func (v *Vector) Has(field string) bool {
	_, ok := v.index[field]
	return ok
}

// Get returns the value of field.
func (v *Vector) Get(field string) float64 {
	return v.values[v.mustIndex(field)]
}

// Set assigns the value of field in place.
func (v *Vector) Set(field string, x float64) {
	v.values[v.mustIndex(field)] = x
}

// Snapshot returns a deep copy of the vector.
func (v *Vector) Snapshot() *Vector {
	return &Vector{
		fields: v.fields,
		index:  v.index,
		values: append([]float64(nil), v.values...),
	}
}

// Merge returns a copy of the vector with patch applied. The receiver is
// not modified.
func (v *Vector) Merge(patch map[string]float64) *Vector {
	out := v.Snapshot()
	for f, x := range patch {
		out.Set(f, x)
	}
	return out
}

// Map returns the values as a plain map.
func (v *Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.fields))
	for i, f := range v.fields {
		m[f] = v.values[i]
	}
	return m
}

// Equal reports whether both vectors declare the same fields in the same
// order with identical values.
func (v *Vector) Equal(o *Vector) bool {
	if v == nil || o == nil {
		return v == o
	}
	if len(v.fields) != len(o.fields) {
		return false
	}
	for i, f := range v.fields {
		if o.fields[i] != f {
			return false
		}
		a, b := v.values[i], o.values[i]
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			return false
		}
	}
	return true
}

// NonFinite returns the fields holding NaN or ±Inf, in declaration order.
func (v *Vector) NonFinite() []string {
	var bad []string
	for i, f := range v.fields {
		if x := v.values[i]; math.IsNaN(x) || math.IsInf(x, 0) {
			bad = append(bad, f)
		}
	}
	return bad
}

// MarshalJSON encodes the vector as a JSON object keyed by field name, in
// declaration order. Non-finite values cannot be represented and fail.
func (v *Vector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range v.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(f)
		buf.Write(key)
		buf.WriteByte(':')
		num, err := json.Marshal(v.values[i])
		if err != nil {
			return nil, fmt.Errorf("model: field %s: %w", f, err)
		}
		buf.Write(num)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object produced by MarshalJSON. The field layout
// follows the key order of the input.
func (v *Vector) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil {
		return err
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("model: vector must be a JSON object")
	}

	var fields []string
	var values []float64
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		f := tok.(string)
		if seen[f] {
			return fmt.Errorf("model: duplicate field %q", f)
		}
		seen[f] = true

		var x float64
		if err := dec.Decode(&x); err != nil {
			return fmt.Errorf("model: field %s: %w", f, err)
		}
		fields = append(fields, f)
		values = append(values, x)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	out := NewVector(fields)
	copy(out.values, values)
	*v = *out
	return nil
}

func (v *Vector) mustIndex(field string) int {
	i, ok := v.index[field]
	if !ok {
		panic(fmt.Sprintf("model: field %q not declared", field))
	}
	return i
}
