package fhirpath

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/datatype"
	"github.com/valyala/fastjson"
)

// Object is a JSON object node of the input tree.
//
// Keys keep document order. Objects are immutable and safe for concurrent reads.
type Object struct {
	defaultConversionError[Object]
	value *fastjson.Value
}

// ParseJSON parses a JSON document and lifts it into a collection.
func ParseJSON(data []byte) (Collection, error) {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return FromJSON(v), nil
}

// ParseObject parses a JSON document that must be an object.
func ParseObject(data []byte) (Object, error) {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return Object{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return Object{}, fmt.Errorf("expected JSON object, got %s", v.Type())
	}
	resolve(v)
	return Object{value: v}, nil
}

// NewObject builds an Object from a Go map. Keys are ordered lexically.
func NewObject(m map[string]any) (Object, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Object{}, err
	}
	return ParseObject(data)
}

// FromJSON lifts a parsed JSON value:
//
//   - strings become String, booleans Boolean
//   - integral numbers become Integer, Long outside 32 bits and Decimal outside 64 bits
//   - other numbers become Decimal
//   - arrays become their elements, objects become Object
//   - null becomes the empty collection
//
// Temporal strings are not parsed.
func FromJSON(v *fastjson.Value) Collection {
	if v == nil {
		return nil
	}
	resolve(v)
	return lift(v)
}

// resolve forces fastjson's lazy unescaping of keys and strings,
// so later reads never mutate the tree.
func resolve(v *fastjson.Value) {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		o.Visit(func(_ []byte, child *fastjson.Value) {
			resolve(child)
		})
	case fastjson.TypeArray:
		arr, _ := v.Array()
		for _, child := range arr {
			resolve(child)
		}
	}
}

func lift(v *fastjson.Value) Collection {
	switch v.Type() {
	case fastjson.TypeString:
		s, _ := v.StringBytes()
		return Collection{String(s)}
	case fastjson.TypeTrue:
		return Collection{Boolean(true)}
	case fastjson.TypeFalse:
		return Collection{Boolean(false)}
	case fastjson.TypeNumber:
		return Collection{liftNumber(string(v.MarshalTo(nil)))}
	case fastjson.TypeArray:
		arr, _ := v.Array()
		var c Collection
		for _, item := range arr {
			c = append(c, lift(item)...)
		}
		return c
	case fastjson.TypeObject:
		return Collection{Object{value: v}}
	}
	return nil
}

func liftNumber(raw string) Element {
	if !strings.ContainsAny(raw, ".eE") {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return narrow(i)
		}
	}
	d, _, err := apd.NewFromString(raw)
	if err != nil {
		// fastjson validated the number already
		return String(raw)
	}
	return Decimal{Value: d}
}

func (o Object) object() *fastjson.Object {
	if o.value == nil {
		return nil
	}
	obj, err := o.value.Object()
	if err != nil {
		return nil
	}
	return obj
}

// Keys returns the keys in document order.
func (o Object) Keys() []string {
	obj := o.object()
	if obj == nil {
		return nil
	}
	keys := make([]string, 0, obj.Len())
	obj.Visit(func(key []byte, _ *fastjson.Value) {
		keys = append(keys, string(key))
	})
	return keys
}

// Get returns the lifted value of the field key.
func (o Object) Get(key string) (Collection, bool) {
	obj := o.object()
	if obj == nil {
		return nil, false
	}
	v := obj.Get(key)
	if v == nil {
		return nil, false
	}
	return lift(v), true
}

// ResourceType returns the string value of the resourceType field.
func (o Object) ResourceType() (string, bool) {
	rt, ok := o.Get("resourceType")
	if !ok || len(rt) != 1 {
		return "", false
	}
	s, ok := rt[0].(String)
	return string(s), ok
}

// Member resolves a member name:
//
//  1. the object itself when its resourceType equals name
//  2. the field name, even when it holds null or an empty array
//  3. the first field in document order named name followed by an
//     upper case letter (choice types, e.g. valueQuantity for value)
func (o Object) Member(name string) Collection {
	if rt, ok := o.ResourceType(); ok && rt == name {
		return Collection{o}
	}
	return o.field(name)
}

func (o Object) field(name string) Collection {
	if c, ok := o.Get(name); ok {
		return Normalize(c)
	}
	obj := o.object()
	if obj == nil {
		return nil
	}
	var (
		result Collection
		found  bool
	)
	obj.Visit(func(key []byte, v *fastjson.Value) {
		if found || len(key) <= len(name) || !strings.HasPrefix(string(key), name) {
			return
		}
		if c := key[len(name)]; c >= 'A' && c <= 'Z' {
			result = lift(v)
			found = true
		}
	})
	return result
}

// Children returns the values of the named fields, or of all fields except
// resourceType when no name is given.
func (o Object) Children(name ...string) Collection {
	var children Collection
	if len(name) > 0 {
		for _, n := range name {
			children = append(children, o.field(n)...)
		}
		return children
	}
	obj := o.object()
	if obj == nil {
		return nil
	}
	obj.Visit(func(key []byte, v *fastjson.Value) {
		if string(key) == "resourceType" {
			return
		}
		children = append(children, lift(v)...)
	})
	return children
}

// Equal is structural: key order is ignored and numbers compare by value.
func (o Object) Equal(other Element) (eq bool, ok bool) {
	p, isObject := other.(Object)
	if !isObject {
		return false, true
	}
	if o.value == nil || p.value == nil {
		return o.value == p.value, true
	}
	return jsonEqual(o.value, p.value), true
}
func (o Object) Equivalent(other Element) bool {
	eq, ok := o.Equal(other)
	return ok && eq
}

func jsonEqual(a, b *fastjson.Value) bool {
	if a.Type() != b.Type() {
		return false
	}
	switch a.Type() {
	case fastjson.TypeObject:
		ao, _ := a.Object()
		bo, _ := b.Object()
		if ao.Len() != bo.Len() {
			return false
		}
		equal := true
		ao.Visit(func(key []byte, v *fastjson.Value) {
			w := bo.Get(string(key))
			if equal && (w == nil || !jsonEqual(v, w)) {
				equal = false
			}
		})
		return equal
	case fastjson.TypeArray:
		aa, _ := a.Array()
		ba, _ := b.Array()
		if len(aa) != len(ba) {
			return false
		}
		for i := range aa {
			if !jsonEqual(aa[i], ba[i]) {
				return false
			}
		}
		return true
	case fastjson.TypeNumber:
		x, _, errX := apd.NewFromString(string(a.MarshalTo(nil)))
		y, _, errY := apd.NewFromString(string(b.MarshalTo(nil)))
		if errX != nil || errY != nil {
			return false
		}
		return x.Cmp(y) == 0
	case fastjson.TypeString:
		x, _ := a.StringBytes()
		y, _ := b.StringBytes()
		return string(x) == string(y)
	}
	return true
}

// TypeInfo reports FHIR.<resourceType> for resources and Any otherwise.
func (o Object) TypeInfo() datatype.DataType {
	if rt, ok := o.ResourceType(); ok {
		return datatype.Model("FHIR", rt)
	}
	return datatype.Any
}
func (o Object) MarshalJSON() ([]byte, error) {
	if o.value == nil {
		return []byte("{}"), nil
	}
	return o.value.MarshalTo(nil), nil
}
func (o Object) String() string {
	b, _ := o.MarshalJSON()
	return string(b)
}
