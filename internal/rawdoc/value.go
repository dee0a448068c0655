package rawdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MaxDepth caps recursion when decoding and scanning payloads.
// Source exports are shallow in practice; the cap is a guard against
// pathological nesting.
const MaxDepth = 64

// Value is a sealed interface over the document value types.
// Only Null, String, Number, Bool, Array, and Object implement it.
type Value interface {
	value() // sealed
}

// Null represents a JSON null.
type Null struct{}

func (Null) value() {}

// String represents a JSON string.
type String string

func (String) value() {}

// Number represents a JSON number. The raw decimal text is retained so
// integer identifiers survive without float rounding.
type Number string

func (Number) value() {}

// Int64 returns the number as int64, or false if it is not an integer
// or does not fit.
func (n Number) Int64() (int64, bool) {
	i, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Float64 returns the number as float64, or false if unparseable.
func (n Number) Float64() (float64, bool) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool represents a JSON boolean.
type Bool bool

func (Bool) value() {}

// Array represents a JSON array.
type Array []Value

func (Array) value() {}

// Field is one key/value member of an Object.
type Field struct {
	Key   string
	Value Value
}

// Object represents a JSON object with field order preserved.
// Duplicate keys keep the first occurrence's position; later occurrences
// overwrite the value in place (matching encoding/json map semantics while
// retaining order).
type Object struct {
	fields []Field
	index  map[string]int
}

func (*Object) value() {}

// NewObject builds an Object from fields in order.
func NewObject(fields ...Field) *Object {
	obj := &Object{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		obj.Set(f.Key, f.Value)
	}
	return obj
}

// Set inserts or overwrites a field, preserving first-seen order.
func (o *Object) Set(key string, v Value) {
	if o.index == nil {
		o.index = make(map[string]int)
	}
	if i, ok := o.index[key]; ok {
		o.fields[i].Value = v
		return
	}
	o.index[key] = len(o.fields)
	o.fields = append(o.fields, Field{Key: key, Value: v})
}

// Get returns the value for key, or nil if absent.
func (o *Object) Get(key string) Value {
	if o == nil || o.index == nil {
		return nil
	}
	if i, ok := o.index[key]; ok {
		return o.fields[i].Value
	}
	return nil
}

// Fields returns the members in payload order. The returned slice is shared;
// callers must not mutate it.
func (o *Object) Fields() []Field {
	if o == nil {
		return nil
	}
	return o.fields
}

// Len returns the number of fields.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.fields)
}

// Decode parses a JSON document into a Value.
// Returns an error for malformed JSON, trailing garbage, or nesting
// beyond MaxDepth. An empty input is an error, not Null.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}

	// Reject trailing tokens after the first document.
	if _, err := dec.Token(); err == nil {
		return nil, fmt.Errorf("trailing data after document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("document exceeds max nesting depth %d", MaxDepth)
	}

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec, depth)
		case '[':
			return decodeArray(dec, depth)
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	default:
		return nil, fmt.Errorf("unexpected token %T", tok)
	}
}

func decodeObject(dec *json.Decoder, depth int) (Value, error) {
	obj := NewObject()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("object key is %T, want string", keyTok)
		}
		val, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, fmt.Errorf("object key %q: %w", key, err)
		}
		obj.Set(key, val)
	}
	// Consume closing '}'.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeArray(dec *json.Decoder, depth int) (Value, error) {
	var arr Array
	for dec.More() {
		val, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, fmt.Errorf("array index %d: %w", len(arr), err)
		}
		arr = append(arr, val)
	}
	// Consume closing ']'.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if arr == nil {
		arr = Array{}
	}
	return arr, nil
}

// GetPath resolves a dotted path ("data.updated_at") against an object
// value. Returns nil when any step is missing or not an object.
func GetPath(v Value, path string) Value {
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(*Object)
		if !ok {
			return nil
		}
		cur = obj.Get(part)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// StringField returns the string value at key, or "" and false when the
// field is absent or not a string.
func StringField(obj *Object, key string) (string, bool) {
	s, ok := obj.Get(key).(String)
	if !ok {
		return "", false
	}
	return string(s), true
}

// IntField returns the integer value at key. Accepts JSON numbers with an
// integral value and numeric strings (source exports are inconsistent
// about quoting identifiers).
func IntField(obj *Object, key string) (int64, bool) {
	switch v := obj.Get(key).(type) {
	case Number:
		return v.Int64()
	case String:
		i, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// FloatField returns the numeric value at key as float64.
func FloatField(obj *Object, key string) (float64, bool) {
	n, ok := obj.Get(key).(Number)
	if !ok {
		return 0, false
	}
	return n.Float64()
}

// BoolField returns the boolean value at key.
func BoolField(obj *Object, key string) (bool, bool) {
	b, ok := obj.Get(key).(Bool)
	if !ok {
		return false, false
	}
	return bool(b), true
}
