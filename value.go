// value.go: Tagged configuration values
//
// A Value is one of Number, Text, Bool, Mapping, Sequence or Absent. Values are
// immutable once built: accessors hand out copies of any internal slice, so a
// value obtained from a published snapshot can be kept indefinitely.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/agilira/go-errors"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindNumber
	KindText
	KindBool
	KindMapping
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindMapping:
		return "mapping"
	case KindSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// ParseKind maps a schema type name to a Kind.
func ParseKind(name string) (Kind, bool) {
	switch name {
	case "number", "float", "int", "integer":
		return KindNumber, true
	case "text", "string":
		return KindText, true
	case "bool", "boolean":
		return KindBool, true
	case "mapping", "map", "object":
		return KindMapping, true
	case "sequence", "list", "array":
		return KindSequence, true
	default:
		return KindAbsent, false
	}
}

// Value is an immutable tagged configuration value. The zero Value is Absent.
type Value struct {
	kind   Kind
	num    float64
	text   string // Text payload, or the unresolved variable name for Absent
	flag   bool
	keys   []string // Mapping insertion order
	fields map[string]Value
	items  []Value
}

// Field is one entry of a Mapping.
type Field struct {
	Key   string
	Value Value
}

// Number returns a Number value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Text returns a Text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Bool returns a Bool value.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Absent returns the Absent value.
func Absent() Value { return Value{} }

// absentFor marks a value left unresolved by a missing environment variable.
func absentFor(varName string) Value { return Value{kind: KindAbsent, text: varName} }

// Mapping returns a Mapping with the given fields in order. A repeated key
// keeps its first position and its last value.
func Mapping(fields ...Field) Value {
	keys := make([]string, 0, len(fields))
	m := make(map[string]Value, len(fields))
	for _, f := range fields {
		if _, seen := m[f.Key]; !seen {
			keys = append(keys, f.Key)
		}
		m[f.Key] = f.Value
	}
	return newMapping(keys, m)
}

// newMapping takes ownership of keys and fields.
func newMapping(keys []string, fields map[string]Value) Value {
	return Value{kind: KindMapping, keys: keys, fields: fields}
}

// Sequence returns a Sequence holding a copy of items.
func Sequence(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindSequence, items: cp}
}

// FromNative converts plain Go data (as produced by encoding/json or a
// literal) into a Value. Map keys are taken in sorted order.
func FromNative(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Absent(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return Text(t), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return finiteNumber(float64(t))
	case float64:
		return finiteNumber(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.Wrap(err, ErrCodeInvalidValue, "invalid number").
				WithContext("number", t.String())
		}
		return finiteNumber(f)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make(map[string]Value, len(t))
		for _, k := range keys {
			child, err := FromNative(t[k])
			if err != nil {
				return Value{}, err
			}
			fields[k] = child
		}
		return newMapping(keys, fields), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			child, err := FromNative(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = child
		}
		return Value{kind: KindSequence, items: items}, nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = Text(s)
		}
		return Value{kind: KindSequence, items: items}, nil
	case []float64:
		items := make([]Value, len(t))
		for i, f := range t {
			items[i] = Number(f)
		}
		return Value{kind: KindSequence, items: items}, nil
	default:
		return Value{}, errors.New(ErrCodeInvalidValue,
			fmt.Sprintf("unsupported value type %T", v))
	}
}

// MustValue is FromNative for literals known to be valid. It panics otherwise.
func MustValue(v interface{}) Value {
	out, err := FromNative(v)
	if err != nil {
		panic(err)
	}
	return out
}

func finiteNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, errors.New(ErrCodeInvalidValue, "non-finite numbers are not configuration values")
	}
	return Number(f), nil
}

// Kind returns the tag of v.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether v is Absent.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// UnresolvedVar names the environment variable that left v Absent, if any.
func (v Value) UnresolvedVar() string {
	if v.kind == KindAbsent {
		return v.text
	}
	return ""
}

// Float returns the number held by v.
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// Int returns the number held by v when it is integral.
func (v Value) Int() (int64, bool) {
	if v.kind != KindNumber || v.num != math.Trunc(v.num) ||
		v.num > math.MaxInt64 || v.num < math.MinInt64 {
		return 0, false
	}
	return int64(v.num), true
}

// Text returns the string held by v.
func (v Value) Text() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

// Bool returns the boolean held by v.
func (v Value) Bool() (bool, bool) {
	return v.flag, v.kind == KindBool
}

// Len returns the number of fields or items, zero for scalars.
func (v Value) Len() int {
	switch v.kind {
	case KindMapping:
		return len(v.keys)
	case KindSequence:
		return len(v.items)
	}
	return 0
}

// Keys returns the mapping keys in insertion order.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

// Field returns the child stored under key.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Value{}, false
	}
	child, ok := v.fields[key]
	return child, ok
}

// Fields returns the mapping entries in insertion order.
func (v Value) Fields() []Field {
	if v.kind != KindMapping {
		return nil
	}
	out := make([]Field, len(v.keys))
	for i, k := range v.keys {
		out[i] = Field{Key: k, Value: v.fields[k]}
	}
	return out
}

// Items returns a copy of the sequence items.
func (v Value) Items() []Value {
	if v.kind != KindSequence {
		return nil
	}
	out := make([]Value, len(v.items))
	copy(out, v.items)
	return out
}

// Lookup walks segments through nested mappings.
func (v Value) Lookup(segments []string) (Value, bool) {
	cur := v
	for _, seg := range segments {
		next, ok := cur.Field(seg)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// IsNeutral reports whether v carries no business meaning: zero, the empty
// string, false, or an empty mapping or sequence.
func (v Value) IsNeutral() bool {
	switch v.kind {
	case KindNumber:
		return v.num == 0
	case KindText:
		return v.text == ""
	case KindBool:
		return !v.flag
	case KindMapping:
		return len(v.keys) == 0
	case KindSequence:
		return len(v.items) == 0
	}
	return false
}

// Equal compares two values structurally. Mapping order is ignored.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindAbsent:
		return true
	case KindNumber:
		return v.num == o.num
	case KindText:
		return v.text == o.text
	case KindBool:
		return v.flag == o.flag
	case KindMapping:
		if len(v.keys) != len(o.keys) {
			return false
		}
		for k, child := range v.fields {
			other, ok := o.fields[k]
			if !ok || !child.Equal(other) {
				return false
			}
		}
		return true
	case KindSequence:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Native converts v back into plain Go data.
func (v Value) Native() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.text
	case KindBool:
		return v.flag
	case KindMapping:
		m := make(map[string]interface{}, len(v.keys))
		for _, k := range v.keys {
			m[k] = v.fields[k].Native()
		}
		return m
	case KindSequence:
		s := make([]interface{}, len(v.items))
		for i, item := range v.items {
			s[i] = item.Native()
		}
		return s
	}
	return nil
}

// MarshalJSON encodes v keeping mapping insertion order. Absent encodes as null.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	v.writeJSON(&buf, false)
	return buf.Bytes(), nil
}

// String renders v as compact JSON.
func (v Value) String() string {
	var buf bytes.Buffer
	v.writeJSON(&buf, false)
	return buf.String()
}

// canonicalBytes renders v with sorted mapping keys, used for checksums.
func (v Value) canonicalBytes() []byte {
	var buf bytes.Buffer
	v.writeJSON(&buf, true)
	return buf.Bytes()
}

func (v Value) writeJSON(buf *bytes.Buffer, sorted bool) {
	switch v.kind {
	case KindAbsent:
		buf.WriteString("null")
	case KindNumber:
		buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindText:
		quoted, _ := json.Marshal(v.text)
		buf.Write(quoted)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.flag))
	case KindMapping:
		keys := v.keys
		if sorted {
			keys = append([]string(nil), v.keys...)
			sort.Strings(keys)
		}
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			quoted, _ := json.Marshal(k)
			buf.Write(quoted)
			buf.WriteByte(':')
			v.fields[k].writeJSON(buf, sorted)
		}
		buf.WriteByte('}')
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeJSON(buf, sorted)
		}
		buf.WriteByte(']')
	}
}
